// Package provider abstracts the LLM backends the gateway can reason with.
// Adapters wrap the official OpenAI and Anthropic clients behind a single
// Provider interface so the agent never depends on a concrete SDK.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/careops/wardgate/core"
)

// ToolSpec describes one callable tool in JSON Schema form, ready to be
// handed to a model's native tool-calling API.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest carries one reasoning turn: the system prompt, the
// conversation so far and the tools the model may call.
type ChatRequest struct {
	System   string
	Messages []core.Message
	Tools    []ToolSpec
}

// Reply is a single model turn. Text and ToolCalls may both be set.
type Reply struct {
	Text      string
	ToolCalls []core.ToolCall
}

// Provider is a chat-capable LLM backend.
//
// Trusted reports whether raw patient identifiers may be sent to this
// backend. Untrusted providers only ever see redacted conversation text.
type Provider interface {
	Name() string
	ModelID() string
	Trusted() bool
	Available(ctx context.Context) bool
	Chat(ctx context.Context, req ChatRequest) (*Reply, error)
}

// Config describes one configured backend.
type Config struct {
	Name    string        `mapstructure:"name"`
	Kind    string        `mapstructure:"kind"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Trusted bool          `mapstructure:"trusted"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// healthTTL bounds how often an adapter re-probes its backend.
const healthTTL = 30 * time.Second

// healthCache memoizes the result of an availability probe so that a
// burst of requests does not turn into a burst of probes.
type healthCache struct {
	mu      sync.Mutex
	ok      bool
	checked time.Time
	ttl     time.Duration
}

func newHealthCache() *healthCache {
	return &healthCache{ttl: healthTTL}
}

// check returns the cached verdict when fresh, otherwise runs probe and
// caches its result.
func (h *healthCache) check(ctx context.Context, probe func(context.Context) bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.checked.IsZero() && time.Since(h.checked) < h.ttl {
		return h.ok
	}
	h.ok = probe(ctx)
	h.checked = time.Now()
	return h.ok
}
