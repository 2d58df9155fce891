package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/careops/wardgate/core"
)

// toolOutcome pairs a tool call with its result map.
type toolOutcome struct {
	call   core.ToolCall
	result map[string]any
}

// runCalls executes a batch of tool calls, fanning out when one
// inference turn requested several. Results come back in request order
// and a panicking call turns into an error result instead of taking the
// request down.
func (a *Agent) runCalls(ctx context.Context, sess *sessionState, calls []core.ToolCall, emit emitFunc) []toolOutcome {
	n := len(calls)
	outcomes := make([]toolOutcome, n)

	if n == 1 {
		outcomes[0] = toolOutcome{call: calls[0], result: a.safeCallTool(ctx, sess, calls[0], emit)}
		return outcomes
	}

	maxPar := a.maxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)
	for i := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[idx] = toolOutcome{call: call, result: a.safeCallTool(ctx, sess, call, emit)}
		}(i, calls[i])
	}
	wg.Wait()
	return outcomes
}

func (a *Agent) safeCallTool(ctx context.Context, sess *sessionState, call core.ToolCall, emit emitFunc) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("tool call panic", "tool", call.Name, "recover", r, "stack", string(debug.Stack()))
			result = map[string]any{"error": fmt.Sprintf("Internal error executing %s", call.Name)}
		}
	}()
	return a.callTool(ctx, sess, call, emit)
}
