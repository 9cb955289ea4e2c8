/*Package access provides identities, credential verification and role lookup
 */
package access

import (
	"context"
	"sync"
	"time"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyIdentity contextKey = "_identity_"
)

// AdminRole is authorized for every role requirement.
const AdminRole = "admin"

/*Identity is the verified caller of a request or realtime session.

An identity carries the subject identifier the credential stands for, the
roles resolved for that subject, and optional provider properties.

Identities are added to a request context with

  ctx = identity.ContextWithIdentity(ctx)

and retrieved with

  identity := IdentityFromContext(ctx)

A nil identity means the caller is anonymous. Anonymous callers can still
reach resources whose rules do not require ownership or a role.
*/
type Identity struct {
	Subject    string            `json:"subject"`
	Roles      []string          `json:"roles,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Authenticated returns true if the identity carries a subject.
func (i *Identity) Authenticated() bool {
	return i != nil && len(i.Subject) > 0
}

// HasRole returns true if the identity contains the requested role;
// otherwise it returns false.
func (i *Identity) HasRole(role string) bool {
	if i == nil || i.Roles == nil {
		return false
	}
	for _, hasRole := range i.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Satisfies returns true if the identity fulfills a role requirement.
// The admin role satisfies every requirement.
func (i *Identity) Satisfies(requiredRole string) bool {
	if requiredRole == "" {
		return true
	}
	return i.HasRole(requiredRole) || i.HasRole(AdminRole)
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (i *Identity) Property(name string) (string, bool) {
	if i == nil || i.Properties == nil {
		return "", false
	}
	value, ok := i.Properties[name]
	return value, ok
}

// ContextWithIdentity returns a new context with this identity added to it
func (i *Identity) ContextWithIdentity(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, i)
}

// IdentityFromContext retrieves an identity from the context
func IdentityFromContext(ctx context.Context) *Identity {
	i, ok := ctx.Value(contextKeyIdentity).(*Identity)
	if ok {
		return i
	}
	return nil
}

// IdentityCache is an in-memory cache for verified identities. It is used
// by the bearer middleware to cache identities for tokens. The purpose of
// the cache is to reduce the number of verifier and database round trips,
// without the cache every single request would pay them.
//
// Entries expire so revoked roles converge within the TTL.
type IdentityCache struct {
	mutex sync.RWMutex
	ttl   time.Duration
	cache map[string]identityEntry
}

type identityEntry struct {
	identity *Identity
	expires  time.Time
}

// NewIdentityCache creates a new identity cache
func NewIdentityCache(ttl time.Duration) *IdentityCache {
	return &IdentityCache{ttl: ttl, cache: make(map[string]identityEntry)}
}

// Read returns an identity from the in-process cache.
// Token should be the bearer token the identity was derived from, not any of the ids.
// This function is go-routine safe
func (c *IdentityCache) Read(token string) *Identity {
	c.mutex.RLock()
	entry, ok := c.cache[token]
	c.mutex.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.identity
	}
	return nil
}

// Write stores an identity in the in-memory cache.
// Token should be the bearer token it was derived from, not any of the ids.
// This function is go-routine safe
func (c *IdentityCache) Write(token string, identity *Identity) {
	c.mutex.Lock()
	c.cache[token] = identityEntry{identity: identity, expires: time.Now().Add(c.ttl)}
	c.mutex.Unlock()
}
