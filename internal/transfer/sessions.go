package transfer

import (
	"context"
	"fmt"
	"math"
	"time"

	"labport/internal/model"
)

// SessionSummary is the listing view of one import session.
type SessionSummary struct {
	ID                   string     `json:"id" yaml:"id"`
	ArchivePath          string     `json:"archive_path" yaml:"archive_path"`
	SizeMB               float64    `json:"size_mb" yaml:"size_mb"`
	Policy               string     `json:"policy" yaml:"policy"`
	Status               string     `json:"status" yaml:"status"`
	StartedAt            time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	EntitiesCreated      int64      `json:"entities_created" yaml:"entities_created"`
	EntitiesReused       int64      `json:"entities_reused" yaml:"entities_reused"`
	FilesImported        int64      `json:"files_imported" yaml:"files_imported"`
	RelationshipsCreated int64      `json:"relationships_created" yaml:"relationships_created"`
	CanRevert            bool       `json:"can_revert" yaml:"can_revert"`
	RevertReason         string     `json:"revert_reason,omitempty" yaml:"revert_reason,omitempty"`
	RevertedAt           *time.Time `json:"reverted_at,omitempty" yaml:"reverted_at,omitempty"`
	RevertedBy           *int64     `json:"reverted_by,omitempty" yaml:"reverted_by,omitempty"`
	Error                string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// ListSessions returns the account's import sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context, accountID int64, includeReverted bool) ([]*SessionSummary, error) {
	sessions, err := e.store.ListSessions(ctx, accountID, includeReverted)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]*SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Summarize(s))
	}
	return out, nil
}

// GetSession returns the summary of one session, or nil when it does not exist.
func (e *Engine) GetSession(ctx context.Context, id string) (*SessionSummary, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	if s == nil {
		return nil, nil
	}
	return Summarize(s), nil
}

// Summarize converts a session row to its listing view.
func Summarize(s *model.ImportSession) *SessionSummary {
	sum := &SessionSummary{
		ID:                   s.ID,
		ArchivePath:          s.ArchivePath,
		SizeMB:               math.Round(float64(s.ArchiveSize)/(1024*1024)*100) / 100,
		Policy:               s.Policy,
		Status:               s.Status,
		StartedAt:            s.StartedAt,
		EntitiesCreated:      s.EntitiesCreated,
		EntitiesReused:       s.EntitiesReused,
		FilesImported:        s.FilesCreated,
		RelationshipsCreated: s.RelationshipsCreated,
		CanRevert:            s.CanRevert,
		RevertReason:         s.RevertReason.String,
		Error:                s.Error.String,
	}
	if s.FinishedAt.Valid {
		t := s.FinishedAt.Time
		sum.FinishedAt = &t
	}
	if s.RevertedAt.Valid {
		t := s.RevertedAt.Time
		sum.RevertedAt = &t
	}
	if s.RevertedBy.Valid {
		by := s.RevertedBy.Int64
		sum.RevertedBy = &by
	}
	return sum
}
