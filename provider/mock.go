package provider

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Mock is a scripted Provider for tests. Each Chat call consumes the
// next queued reply and records the request it was given.
type Mock struct {
	ProviderName string
	Model        string
	IsTrusted    bool
	Down         bool

	mu       sync.Mutex
	replies  []Reply
	err      error
	Requests []ChatRequest
}

// NewMock returns a trusted mock named "mock" with no scripted replies.
func NewMock() *Mock {
	return &Mock{ProviderName: "mock", Model: "mock-1", IsTrusted: true}
}

// Queue appends replies to the script.
func (m *Mock) Queue(replies ...Reply) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
	return m
}

// Fail makes every subsequent Chat call return err.
func (m *Mock) Fail(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *Mock) Name() string    { return m.ProviderName }
func (m *Mock) ModelID() string { return m.Model }
func (m *Mock) Trusted() bool   { return m.IsTrusted }

func (m *Mock) Available(_ context.Context) bool { return !m.Down }

func (m *Mock) Chat(_ context.Context, req ChatRequest) (*Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return nil, errors.New("mock provider: no scripted reply")
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return &next, nil
}
