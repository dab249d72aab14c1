package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// End reasons recorded for a session.
const (
	ReasonExited = "exited"
	ReasonKilled = "killed"
)

// SessionRecord is the persisted history of one terminal session.
type SessionRecord struct {
	RunID     string     `json:"run_id"`
	SessionID uint32     `json:"session_id"`
	Shell     string     `json:"shell"`
	Dir       string     `json:"cwd,omitempty"`
	StartedAt time.Time  `json:"timestamp"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

func (s *Storage) sessionKey(id uint32) string {
	return fmt.Sprintf("%s/%010d", s.runID, id)
}

// RecordSessionStart stores the start of session id in this run.
func (s *Storage) RecordSessionStart(id uint32, shell, dir string, startedAt time.Time) error {
	return s.SetJSON(BucketTerminalSessions, s.sessionKey(id), SessionRecord{
		RunID:     s.runID,
		SessionID: id,
		Shell:     shell,
		Dir:       dir,
		StartedAt: startedAt.UTC(),
	})
}

// RecordSessionEnd completes the record of session id. A negative exit code
// means the exit status is unknown.
func (s *Storage) RecordSessionEnd(id uint32, reason string, exitCode int, endedAt time.Time) error {
	key := s.sessionKey(id)

	var rec SessionRecord
	if err := s.GetJSON(BucketTerminalSessions, key, &rec); err != nil {
		return fmt.Errorf("load session %d: %w", id, err)
	}

	ended := endedAt.UTC()
	rec.EndedAt = &ended
	rec.Reason = reason
	if exitCode >= 0 {
		rec.ExitCode = &exitCode
	}
	return s.SetJSON(BucketTerminalSessions, key, rec)
}

// ListSessions returns session records newest first. A positive limit caps
// the result.
func (s *Storage) ListSessions(limit int) ([]SessionRecord, error) {
	var records []SessionRecord
	err := s.ForEach(BucketTerminalSessions, func(_, v []byte) error {
		var rec SessionRecord
		if err := json.Unmarshal(v, &rec); err == nil {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].SessionID > records[j].SessionID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// PruneSessions drops session records started more than maxAge ago.
func (s *Storage) PruneSessions(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	return s.DeleteOlderThan(BucketTerminalSessions, maxAge)
}
