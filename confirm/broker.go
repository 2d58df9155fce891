// Package confirm implements the confirmation broker gating critical tools.
// A critical tool request is parked as a Pending record and only dispatched
// after an explicit human confirmation resolves it. Resolution is
// compare-and-set: for any confirmation id exactly one resolve ever
// succeeds, so a critical action cannot execute twice.
package confirm

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// Resolution failure modes surfaced to the caller.
var (
	ErrNotFound        = errors.New("confirmation not found")
	ErrExpired         = errors.New("confirmation expired")
	ErrAlreadyResolved = errors.New("confirmation already resolved")
)

// Pending captures a gated critical action: the tool, the exact arguments at
// request time, and the requester identity. The stored arguments are the
// ones dispatched on confirm, so confirmation cannot smuggle altered arguments.
type Pending struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Channel   string         `json:"channel"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`

	resolved bool
}

// Broker issues and resolves pending confirmations. All state transitions
// happen under one mutex; resolved entries are kept as tombstones so a late
// second confirm is distinguishable (ErrAlreadyResolved) from an unknown id.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*Pending
	ttl     time.Duration
	now     func() time.Time
}

// Options configure a Broker.
type Options struct {
	// TTL is the confirmation validity window.
	TTL time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// NewBroker constructs a broker with a default 10 minute TTL.
func NewBroker(optFns ...func(o *Options)) *Broker {
	opts := Options{TTL: 10 * time.Minute, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broker{
		pending: map[string]*Pending{},
		ttl:     opts.TTL,
		now:     opts.Now,
	}
}

// Issue parks a critical action and returns its confirmation id. The
// argument map is deep-copied so later mutation by the caller cannot change
// what a confirm will dispatch.
func (b *Broker) Issue(tool string, params map[string]any, tenantID, sessionID, userID, channel string) *Pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	p := &Pending{
		ID:        shortuuid.New(),
		Tool:      tool,
		Params:    copyParams(params),
		TenantID:  tenantID,
		SessionID: sessionID,
		UserID:    userID,
		Channel:   channel,
		IssuedAt:  now,
		ExpiresAt: now.Add(b.ttl),
	}
	b.pending[p.ID] = p

	b.sweepLocked(now)

	return p
}

// Resolve marks the confirmation as resolved and returns a copy of the
// captured action. Under concurrent resolves of the same id exactly one
// caller receives the action; the rest get ErrAlreadyResolved. A tenant
// mismatch reads as ErrNotFound and leaves the entry untouched, so one
// tenant can neither resolve nor probe another tenant's confirmations.
func (b *Broker) Resolve(tenantID, id string) (*Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if p.resolved {
		return nil, ErrAlreadyResolved
	}
	if b.now().After(p.ExpiresAt) {
		return nil, ErrExpired
	}

	p.resolved = true

	out := *p
	out.Params = copyParams(p.Params)
	return &out, nil
}

// PendingCount reports the number of unresolved, unexpired confirmations.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for _, p := range b.pending {
		if !p.resolved && !now.After(p.ExpiresAt) {
			n++
		}
	}
	return n
}

// sweepLocked drops entries expired for longer than one extra TTL. Recently
// expired entries are retained so resolves still report ErrExpired instead
// of ErrNotFound.
func (b *Broker) sweepLocked(now time.Time) {
	for id, p := range b.pending {
		if now.After(p.ExpiresAt.Add(b.ttl)) {
			delete(b.pending, id)
		}
	}
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
