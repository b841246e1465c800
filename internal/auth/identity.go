// Package auth issues and validates CrewNet session tokens. Identity
// itself comes from an external provider consumed through the
// IdentityVerifier interface; this package never stores credentials.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrUnauthenticated indicates a request without a valid session.
	ErrUnauthenticated = errors.New("auth: not authenticated")
	// ErrInvalidCredential indicates the identity provider rejected the
	// presented credential.
	ErrInvalidCredential = errors.New("auth: invalid credential")
)

// IdentityClaims carries the profile attributes the identity provider
// vouches for. UserID is the provider's stable opaque identifier.
type IdentityClaims struct {
	UserID      string
	Email       string
	DisplayName string
	PhotoURL    string
}

// IdentityVerifier validates an opaque credential (an OIDC ID token in the
// default deployment) and returns the identity behind it.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (IdentityClaims, error)
}
