package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/careops/wardgate/core"
	"github.com/careops/wardgate/logging"
)

// JSONL record kinds. Line 0 of every session file is metadata; the rest is
// an ordered append log of message and consolidation records.
const (
	recordMetadata      = "metadata"
	recordMessage       = "message"
	recordConsolidation = "consolidation"
)

type record struct {
	Type string `json:"type"`

	// metadata
	SessionID      string   `json:"session_id,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	Channel        string   `json:"channel,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
	Consolidated   int      `json:"last_consolidated,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	ActivePatients []string `json:"active_patients,omitempty"`

	// message
	Role      core.Role `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`

	// consolidation
	Pointer int `json:"pointer,omitempty"`
}

// Store manages sessions: an in-process cache over JSONL files laid out as
// <dir>/<tenant_id>/<session_id>.jsonl. Each session carries its own mutex;
// Acquire hands out the session together with a release func so exactly one
// mutation is in flight per session while requests across sessions proceed
// concurrently.
type Store struct {
	dir    string
	mu     sync.Mutex
	cache  map[string]*entry
	logger logging.Logger
}

type entry struct {
	mu   sync.Mutex
	sess *Session
}

// NewStore creates a session store rooted at dir.
func NewStore(dir string, logger logging.Logger) *Store {
	return &Store{dir: dir, cache: map[string]*entry{}, logger: logging.OrNoOp(logger)}
}

func (s *Store) key(tenantID, sessionID string) string { return tenantID + "/" + sessionID }

func (s *Store) path(tenantID, sessionID string) string {
	return filepath.Join(s.dir, tenantID, sessionID+".jsonl")
}

// Acquire returns the session for (tenantID, sessionID), loading it from
// disk or creating it when sessionID is empty or unknown, locked for
// exclusive mutation. The returned release func must be called when the
// request's mutation of the session is complete.
func (s *Store) Acquire(tenantID, sessionID, userID, channel string) (*Session, func(), error) {
	s.mu.Lock()

	if sessionID == "" {
		sessionID = core.NewID()
	}
	key := s.key(tenantID, sessionID)

	e, ok := s.cache[key]
	if !ok {
		sess, err := s.load(tenantID, sessionID)
		if err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
		if sess == nil {
			sess = &Session{
				ID:             sessionID,
				TenantID:       tenantID,
				UserID:         userID,
				Channel:        channel,
				ActivePatients: map[string]bool{},
				CreatedAt:      time.Now().UTC(),
			}
			if err := s.writeMetadata(sess, true); err != nil {
				s.mu.Unlock()
				return nil, nil, err
			}
		}
		e = &entry{sess: sess}
		s.cache[key] = e
	}
	s.mu.Unlock()

	// Serialization point: one in-flight mutation per session.
	e.mu.Lock()
	return e.sess, e.mu.Unlock, nil
}

// Append records a message on the session and its durable log. The caller
// must hold the session via Acquire.
func (s *Store) Append(sess *Session, role core.Role, content string) error {
	msg := core.NewMessage(role, content)
	sess.Messages = append(sess.Messages, msg)
	return s.appendLine(sess, record{
		Type:      recordMessage,
		Role:      role,
		Content:   content,
		Timestamp: msg.Timestamp.Format(time.RFC3339Nano),
	})
}

// SaveConsolidation durably records a consolidation event: the new summary
// and the absolute pointer below which messages are compacted. The
// in-memory sequence is trimmed to the trailing messages; the durable log
// keeps every line (logical compaction, no deletion).
func (s *Store) SaveConsolidation(sess *Session, summary string, pointer int) error {
	if err := s.appendLine(sess, record{
		Type:      recordConsolidation,
		Summary:   summary,
		Pointer:   pointer,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	sess.Summary = summary
	if pointer <= len(sess.Messages) {
		sess.Messages = sess.Messages[pointer:]
	}
	sess.Consolidated = 0

	return s.writeMetadata(sess, false)
}

func (s *Store) appendLine(sess *Session, rec record) error {
	path := s.path(sess.TenantID, sess.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create session dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open session log")
	}
	defer f.Close()

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode session record")
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(err, "append session record")
	}
	return nil
}

func (s *Store) metadataRecord(sess *Session) record {
	return record{
		Type:           recordMetadata,
		SessionID:      sess.ID,
		TenantID:       sess.TenantID,
		UserID:         sess.UserID,
		Channel:        sess.Channel,
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339Nano),
		Consolidated:   sess.Consolidated,
		Summary:        sess.Summary,
		ActivePatients: sess.Patients(),
	}
}

// writeMetadata writes the initial metadata line (create) or rewrites line 0
// after a consolidation updated the summary/pointer. The rewrite lands in a
// temp file renamed over the original, so a crash mid-write never loses the
// transcript: either the old file survives intact or the new one is complete.
func (s *Store) writeMetadata(sess *Session, create bool) error {
	if create {
		return s.appendLine(sess, s.metadataRecord(sess))
	}

	path := s.path(sess.TenantID, sess.ID)
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read session log")
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return errors.New("session log is empty")
	}
	meta, err := json.Marshal(s.metadataRecord(sess))
	if err != nil {
		return errors.Wrap(err, "encode session metadata")
	}
	lines[0] = string(meta)

	tmp, err := os.CreateTemp(filepath.Dir(path), sess.ID+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp session log")
	}
	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write temp session log")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp session log")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "replace session log")
	}
	return nil
}

// load replays a session's JSONL file. Returns nil when no file exists.
func (s *Store) load(tenantID, sessionID string) (*Session, error) {
	path := s.path(tenantID, sessionID)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open session log")
	}
	defer f.Close()

	sess := &Session{ID: sessionID, TenantID: tenantID, ActivePatients: map[string]bool{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("session.load.bad_line", "session_id", sessionID, "error", err.Error())
			continue
		}
		switch rec.Type {
		case recordMetadata:
			if !first {
				continue
			}
			sess.UserID = rec.UserID
			sess.Channel = rec.Channel
			sess.Consolidated = rec.Consolidated
			sess.Summary = rec.Summary
			if rec.CreatedAt != "" {
				sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, rec.CreatedAt)
			}
			for _, pid := range rec.ActivePatients {
				sess.ActivePatients[pid] = true
			}
		case recordMessage:
			ts, _ := time.Parse(time.RFC3339Nano, rec.Timestamp)
			sess.Messages = append(sess.Messages, core.Message{Role: rec.Role, Content: rec.Content, Timestamp: ts})
		case recordConsolidation:
			sess.Summary = rec.Summary
			if rec.Pointer <= len(sess.Messages) {
				sess.Messages = sess.Messages[rec.Pointer:]
			}
			sess.Consolidated = 0
		}
		first = false
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan session log")
	}
	if first {
		return nil, nil
	}
	return sess, nil
}
