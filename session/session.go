// Package session owns durable conversation state: tenant-scoped sessions
// persisted as one append-only JSONL record set per (tenant, session), a
// manager guaranteeing a single in-flight mutation per session, and the
// lossy consolidator that compacts old messages into a summary without ever
// touching durable facts.
package session

import (
	"sort"
	"time"

	"github.com/careops/wardgate/core"
)

// Session is the conversational container for one (tenant, session id)
// pair. Messages form an append-only sequence; consolidation logically
// compacts a prefix into Summary and keeps only the trailing raw messages
// in memory. Sessions are not internally locked; the Store serializes all
// mutation through Acquire.
type Session struct {
	ID             string
	TenantID       string
	UserID         string
	Channel        string
	Messages       []core.Message
	ActivePatients map[string]bool
	CreatedAt      time.Time
	Consolidated   int // index below which messages are summarized
	Summary        string
}

// TrackPatient marks a patient id as active in this conversation so the
// context assembler can fortify the prompt with the patient's known facts.
func (s *Session) TrackPatient(patientID string) {
	if patientID == "" {
		return
	}
	if s.ActivePatients == nil {
		s.ActivePatients = map[string]bool{}
	}
	s.ActivePatients[patientID] = true
}

// Patients returns the active patient ids in stable order.
func (s *Session) Patients() []string {
	out := make([]string, 0, len(s.ActivePatients))
	for pid := range s.ActivePatients {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out
}

// Context assembles the conversation window for inference: the
// consolidation summary (when present) as a synthetic system message,
// followed by the trailing maxRecent raw messages.
func (s *Session) Context(maxRecent int) []core.Message {
	recent := s.Messages
	if maxRecent > 0 && len(recent) > maxRecent {
		recent = recent[len(recent)-maxRecent:]
	}

	if s.Summary == "" {
		out := make([]core.Message, len(recent))
		copy(out, recent)
		return out
	}

	out := make([]core.Message, 0, len(recent)+1)
	out = append(out, core.NewMessage(core.RoleSystem, "[Conversation summary]: "+s.Summary))
	out = append(out, recent...)
	return out
}
