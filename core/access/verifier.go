package access

import (
	"context"

	"github.com/relabs-tech/limen/core/fault"
)

// Verifier validates a bearer credential and returns the identity it
// stands for. Implementations must be go-routine safe.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// StaticVerifier maps fixed tokens to identities. It is meant for tests
// and local development.
//
// Example: mapping the token "please" to an identity with the admin role
// makes any request with 'Authorization: Bearer please' an admin request.
type StaticVerifier map[string]Identity

// Verify implements the Verifier interface
func (v StaticVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	identity, ok := v[token]
	if !ok {
		return nil, fault.Auth.New("invalid token")
	}
	return &identity, nil
}
