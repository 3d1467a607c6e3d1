// Package credential resolves the opaque credential ids carried by requests.
// Credentials are descriptive only; nothing in the engine mutates them.
package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("credential not found")
	ErrExpired  = errors.New("credential expired")
)

// Credential describes who a request acts for.
type Credential struct {
	ID        string    `json:"id" yaml:"id"`
	Subject   string    `json:"subject" yaml:"subject"`
	Issuer    string    `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Roles     []string  `json:"roles,omitempty" yaml:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// Registry resolves credential ids.
type Registry interface {
	Resolve(ctx context.Context, id string) (Credential, error)
}

// MemRegistry is an in-process Registry.
type MemRegistry struct {
	mu    sync.RWMutex
	creds map[string]Credential
	now   func() time.Time
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{creds: make(map[string]Credential), now: time.Now}
}

// Register stores a credential for subject and returns it with a fresh id.
// A zero ttl never expires.
func (r *MemRegistry) Register(subject, issuer string, roles []string, ttl time.Duration) Credential {
	c := Credential{ID: uuid.NewString(), Subject: subject, Issuer: issuer, Roles: roles}
	if ttl > 0 {
		c.ExpiresAt = r.now().Add(ttl)
	}
	r.mu.Lock()
	r.creds[c.ID] = c
	r.mu.Unlock()
	return c
}

// Resolve implements Registry.
func (r *MemRegistry) Resolve(ctx context.Context, id string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	r.mu.RLock()
	c, ok := r.creds[id]
	r.mu.RUnlock()
	if !ok {
		return Credential{}, ErrNotFound
	}
	if !c.ExpiresAt.IsZero() && r.now().After(c.ExpiresAt) {
		return Credential{}, ErrExpired
	}
	return c, nil
}

// Remove drops a credential.
func (r *MemRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.creds, id)
	r.mu.Unlock()
}
