package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/careops/wardgate/core"
	"github.com/careops/wardgate/logging"
)

// ErrConsolidationFailed signals that the summarization step failed and the
// consolidation pointer was left untouched. The next trigger retries.
var ErrConsolidationFailed = errors.New("consolidation failed")

// Summarizer produces a conversation summary from the existing summary plus
// the messages to be compacted. Implemented over the inference capability;
// the summary must preserve entity identifiers, pending actions and key
// decisions.
type Summarizer interface {
	Summarize(ctx context.Context, existing string, msgs []core.Message) (string, error)
}

// Consolidator compacts sessions whose raw message count exceeds the
// threshold, always keeping the trailing Keep messages raw. The caller must
// hold the session via Store.Acquire, which guarantees at most one
// consolidation attempt per session at a time.
type Consolidator struct {
	store     *Store
	threshold int
	keep      int
	logger    logging.Logger
}

// NewConsolidator builds a consolidator. threshold <= 0 defaults to 30,
// keep <= 0 defaults to 10.
func NewConsolidator(store *Store, threshold, keep int, logger logging.Logger) *Consolidator {
	if threshold <= 0 {
		threshold = 30
	}
	if keep <= 0 {
		keep = 10
	}
	return &Consolidator{store: store, threshold: threshold, keep: keep, logger: logging.OrNoOp(logger)}
}

// Maybe consolidates sess when due. On summarizer failure nothing is
// committed: no partial summary, no pointer advance, and durable facts are
// unaffected either way since they live outside this mechanism.
func (c *Consolidator) Maybe(ctx context.Context, sess *Session, summarizer Summarizer) error {
	unconsolidated := len(sess.Messages) - sess.Consolidated
	if unconsolidated < c.threshold {
		return nil
	}

	end := len(sess.Messages) - c.keep
	if end <= sess.Consolidated {
		return nil
	}

	toCompact := sess.Messages[sess.Consolidated:end]
	summary, err := summarizer.Summarize(ctx, sess.Summary, toCompact)
	if err != nil {
		c.logger.Warn("session.consolidation.held", "session_id", sess.ID, "error", err.Error())
		return errors.Wrap(ErrConsolidationFailed, err.Error())
	}
	if summary == "" {
		summary = sess.Summary
	}

	if err := c.store.SaveConsolidation(sess, summary, end); err != nil {
		return errors.Wrap(ErrConsolidationFailed, err.Error())
	}

	c.logger.Info("session.consolidated", "session_id", sess.ID, "kept", len(sess.Messages))
	return nil
}
