package posts

import "strings"

// AuthorSnapshot is the denormalized copy of the creator's profile frozen
// at write time. It intentionally never tracks later profile edits.
type AuthorSnapshot struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	PhotoURL string `json:"photoURL,omitempty"`
}

// Post is the record at posts/{postId}. Counters are mutated in place by
// any authenticated user's action with no isolation; see the service docs
// for the race this implies.
type Post struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Author    AuthorSnapshot  `json:"author"`
	Content   string          `json:"content"`
	Timestamp int64           `json:"timestamp"`
	Likes     int             `json:"likes"`
	Comments  int             `json:"comments"`
	Shares    int             `json:"shares"`
	Tags      []string        `json:"tags"`
	Type      string          `json:"type"`
	Image     string          `json:"image,omitempty"`
	LikedBy   map[string]bool `json:"likedBy,omitempty"`
}

// Tag is the record at tags/{tagNameWithoutHash}. Count is a running total
// and is never decremented; there is no post-deletion path.
type Tag struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Share is the audit record at shares/{shareId}, distinct from the share
// counter on the post.
type Share struct {
	ID         string   `json:"id"`
	PostID     string   `json:"postId"`
	SharedBy   string   `json:"sharedBy"`
	SharedWith []string `json:"sharedWith"`
	Message    string   `json:"message,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// normalizeTag trims a raw tag and guarantees the leading hash.
func normalizeTag(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "#") {
		trimmed = "#" + trimmed
	}
	return trimmed
}

// tagKey strips the hash to produce the tags/{name} path segment.
func tagKey(tag string) string {
	return strings.TrimPrefix(tag, "#")
}
