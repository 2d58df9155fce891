package agent

import (
	"context"

	"github.com/pkg/errors"

	"github.com/careops/wardgate/core"
)

// ChatStream processes one message like Chat but delivers tool activity
// and the final response as events. The returned channel closes after
// the done event.
//
// The work runs on a context detached from the caller's: a client that
// disconnects mid-stream stops receiving events, but tool calls already
// in flight run to completion and still reach the audit ledger.
func (a *Agent) ChatStream(ctx context.Context, req Request) (<-chan core.StreamEvent, error) {
	if req.TenantID == "" {
		return nil, errors.New("agent: tenant id is required")
	}
	if req.Message == "" {
		return nil, errors.New("agent: message is empty")
	}

	events := make(chan core.StreamEvent, 32)
	workCtx := context.WithoutCancel(ctx)

	emit := func(ev core.StreamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)

		res, err := a.run(workCtx, req, emit)
		if err != nil {
			a.logger.Error("streaming turn failed", "session_id", req.SessionID, "error", err)
			emit(core.TextEvent("Something went wrong processing your request."))
			emit(core.DoneEvent(req.SessionID))
			return
		}
		emit(core.TextEvent(res.Text))
		emit(core.DoneEvent(res.SessionID))
	}()

	return events, nil
}
