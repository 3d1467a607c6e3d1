// Package space tracks space reservations that upload requests write into.
package space

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoFreeSpace     = errors.New("no free space")
	ErrLifetimeExpired = errors.New("space lifetime expired")
	ErrUnknownToken    = errors.New("unknown space token")
	ErrReleased        = errors.New("space reservation released")
)

// Retention policies.
const (
	RetentionReplica   = "REPLICA"
	RetentionOutput    = "OUTPUT"
	RetentionCustodial = "CUSTODIAL"
)

// Reservation is one block of reserved space.
type Reservation struct {
	Token           string
	Owner           string
	RetentionPolicy string
	AccessLatency   string
	Size            int64
	Used            int64
	CreatedAt       time.Time
	Lifetime        time.Duration // negative means infinite
	Released        bool
}

// Free returns unused bytes of the reservation.
func (r Reservation) Free() int64 { return r.Size - r.Used }

// Expired reports whether the reservation lifetime has elapsed at t.
func (r Reservation) Expired(t time.Time) bool {
	return r.Lifetime >= 0 && !t.Before(r.CreatedAt.Add(r.Lifetime))
}

// Manager hands out reservations from a fixed capacity pool.
// Allocations without a token draw from the unreserved remainder.
type Manager struct {
	mu       sync.Mutex
	capacity int64
	reserved int64
	implicit int64
	tokens   map[string]*Reservation
	now      func() time.Time
}

// NewManager returns a manager with capacity bytes.
func NewManager(capacity int64) *Manager {
	return &Manager{capacity: capacity, tokens: make(map[string]*Reservation), now: time.Now}
}

// Reserve carves size bytes out of the pool.
func (m *Manager) Reserve(owner string, size int64, lifetime time.Duration, policy, latency string) (Reservation, error) {
	if size <= 0 {
		return Reservation{}, fmt.Errorf("reserve: size must be positive, got %d", size)
	}
	if policy == "" {
		policy = RetentionReplica
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity-m.reserved-m.implicit < size {
		return Reservation{}, ErrNoFreeSpace
	}
	r := &Reservation{
		Token:           uuid.NewString(),
		Owner:           owner,
		RetentionPolicy: policy,
		AccessLatency:   latency,
		Size:            size,
		CreatedAt:       m.now(),
		Lifetime:        lifetime,
	}
	m.tokens[r.Token] = r
	m.reserved += size
	return *r, nil
}

// Allocate takes size bytes from the reservation named by token, or from the
// unreserved pool when token is empty.
func (m *Manager) Allocate(token string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		if m.capacity-m.reserved-m.implicit < size {
			return ErrNoFreeSpace
		}
		m.implicit += size
		return nil
	}
	r, ok := m.tokens[token]
	if !ok {
		return ErrUnknownToken
	}
	if r.Released {
		return ErrReleased
	}
	if r.Expired(m.now()) {
		return ErrLifetimeExpired
	}
	if r.Free() < size {
		return ErrNoFreeSpace
	}
	r.Used += size
	return nil
}

// Free returns size bytes to the reservation or pool they came from.
func (m *Manager) Free(token string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		m.implicit -= min(size, m.implicit)
		return
	}
	if r, ok := m.tokens[token]; ok {
		r.Used -= min(size, r.Used)
	}
}

// Release gives a reservation back to the pool.
func (m *Manager) Release(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tokens[token]
	if !ok {
		return ErrUnknownToken
	}
	if !r.Released {
		r.Released = true
		m.reserved -= r.Size
	}
	return nil
}

// Get returns a copy of the reservation.
func (m *Manager) Get(token string) (Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tokens[token]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// Available returns the unreserved capacity.
func (m *Manager) Available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity - m.reserved - m.implicit
}
