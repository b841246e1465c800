package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Document is one persisted node of the tree. A row holds the subtree
// written by a single Set; deeper Sets create their own rows, and Get
// assembles a path from its row plus every row beneath it.
type Document struct {
	Path      string    `gorm:"column:path;primaryKey;size:512;not null"`
	DocJSON   string    `gorm:"column:doc_json;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// SQLiteStore persists the document tree in SQLite through GORM. Change
// notification is in-process: only writes through this store instance are
// observed by its subscribers.
type SQLiteStore struct {
	db         *gorm.DB
	keys       KeyGenerator
	dispatcher *changeDispatcher
	logger     *zap.Logger

	mu  sync.Mutex
	seq uint64
}

// OpenSQLite establishes the SQLite connection, migrates the schema and
// wraps it in a Store.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("document store initialized", zap.String("path", path))

	return &SQLiteStore{
		db:         db,
		keys:       NewULIDGenerator(),
		dispatcher: newChangeDispatcher(),
		logger:     logger,
	}, nil
}

// DB exposes the underlying connection for lifecycle management.
func (s *SQLiteStore) DB() *gorm.DB {
	return s.db
}

// Get assembles the value at path from its row and all descendant rows.
func (s *SQLiteStore) Get(ctx context.Context, path string) (any, error) {
	if _, err := SplitPath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, path)
}

func (s *SQLiteStore) getLocked(ctx context.Context, path string) (any, error) {
	var rows []Document
	err := s.db.WithContext(ctx).
		Where("path = ? OR path LIKE ? ESCAPE '\\'", path, likePrefix(path)).
		Order("path ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	var result any
	assembled := make(map[string]any)
	hasChildren := false
	for _, row := range rows {
		var doc any
		if err := json.Unmarshal([]byte(row.DocJSON), &doc); err != nil {
			return nil, fmt.Errorf("%w: corrupt document at %s: %v", ErrInvalidValue, row.Path, err)
		}
		if row.Path == path {
			result = doc
			continue
		}
		hasChildren = true
		relative := strings.Split(strings.TrimPrefix(row.Path, path+"/"), "/")
		parent := descend(assembled, relative[:len(relative)-1])
		parent[relative[len(relative)-1]] = doc
	}

	if !hasChildren {
		return result, nil
	}
	merged, ok := result.(map[string]any)
	if !ok {
		merged = make(map[string]any)
	}
	for key, value := range assembled {
		merged[key] = mergeTrees(merged[key], value)
	}
	return merged, nil
}

// Set overwrites the subtree at path with a single row.
func (s *SQLiteStore) Set(ctx context.Context, path string, value any) error {
	if _, err := SplitPath(path); err != nil {
		return err
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("path = ? OR path LIKE ? ESCAPE '\\'", path, likePrefix(path)).
			Delete(&Document{}).Error; err != nil {
			return err
		}
		return tx.Create(&Document{Path: path, DocJSON: string(raw)}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.publishLocked(ctx, path)
	return nil
}

// Merge applies each field to the row owning its target path, creating a
// row at path when no owner exists.
func (s *SQLiteStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	if _, err := SplitPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range fields {
			if _, err := SplitPath(key); err != nil {
				return err
			}
			normalized, err := normalizeValue(value)
			if err != nil {
				return err
			}
			if err := s.mergeField(tx, path, key, normalized); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidPath) || errors.Is(err, ErrInvalidValue) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.publishLocked(ctx, path)
	return nil
}

func (s *SQLiteStore) mergeField(tx *gorm.DB, path, field string, value any) error {
	target := path + "/" + field

	// Walk candidate owners from the target itself up to the merge path.
	candidate := target
	for {
		var row Document
		err := tx.Where("path = ?", candidate).Take(&row).Error
		if err == nil {
			return s.applyToRow(tx, &row, strings.TrimPrefix(target, candidate), value)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if candidate == path {
			break
		}
		slash := strings.LastIndex(candidate, "/")
		if slash < 0 {
			break
		}
		candidate = candidate[:slash]
		if len(candidate) < len(path) {
			break
		}
	}

	// No owning row: seed one at the merge path.
	doc := make(map[string]any)
	fieldSegments := strings.Split(field, "/")
	parent := descend(doc, fieldSegments[:len(fieldSegments)-1])
	parent[fieldSegments[len(fieldSegments)-1]] = value
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return tx.Create(&Document{Path: path, DocJSON: string(raw)}).Error
}

func (s *SQLiteStore) applyToRow(tx *gorm.DB, row *Document, relative string, value any) error {
	var doc any
	if err := json.Unmarshal([]byte(row.DocJSON), &doc); err != nil {
		return fmt.Errorf("%w: corrupt document at %s: %v", ErrInvalidValue, row.Path, err)
	}

	relative = strings.TrimPrefix(relative, "/")
	if relative == "" {
		doc = value
	} else {
		node, ok := doc.(map[string]any)
		if !ok {
			node = make(map[string]any)
		}
		segments := strings.Split(relative, "/")
		parent := descend(node, segments[:len(segments)-1])
		parent[segments[len(segments)-1]] = value
		doc = node
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	row.DocJSON = string(raw)
	return tx.Save(row).Error
}

// AppendChild issues a fresh child key under path.
func (s *SQLiteStore) AppendChild(_ context.Context, path string) (string, error) {
	if _, err := SplitPath(path); err != nil {
		return "", err
	}
	return s.keys.NewKey()
}

// Subscribe registers fn for the subtree at path and immediately delivers
// the current value (nil when absent).
func (s *SQLiteStore) Subscribe(path string, fn func(any)) (func(), error) {
	if _, err := SplitPath(path); err != nil {
		return nil, err
	}

	entry := s.dispatcher.subscribe(path, fn)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	current, err := s.getLocked(context.Background(), path)
	if err != nil {
		current = nil
	}
	s.mu.Unlock()

	entry.deliver(seq, current)
	return func() {
		s.dispatcher.unsubscribe(entry)
	}, nil
}

// publishLocked recomputes and fans out snapshots for every affected
// subscriber. Caller holds s.mu.
func (s *SQLiteStore) publishLocked(ctx context.Context, path string) {
	affected := s.dispatcher.affected(path)
	if len(affected) == 0 {
		return
	}
	s.seq++
	seq := s.seq
	for _, entry := range affected {
		current, err := s.getLocked(ctx, entry.path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("subscription snapshot failed",
				zap.String("path", entry.path), zap.Error(err))
			continue
		}
		entry.deliver(seq, current)
	}
}

func likePrefix(path string) string {
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(path)
	return escaped + "/%"
}

// mergeTrees overlays b on a, deep-merging maps.
func mergeTrees(a, b any) any {
	mapA, okA := a.(map[string]any)
	mapB, okB := b.(map[string]any)
	if !okA || !okB {
		return b
	}
	for key, value := range mapB {
		mapA[key] = mergeTrees(mapA[key], value)
	}
	return mapA
}
