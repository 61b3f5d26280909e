package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"labport/internal/model"
	"labport/internal/transfer"
)

// newTestStore creates a file-backed SQLite store with the schema applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func mustAccount(t *testing.T, s *Store, username string, staff bool) int64 {
	t.Helper()
	id, err := s.CreateAccount(context.Background(), username, staff)
	if err != nil {
		t.Fatalf("CreateAccount(%q) error = %v", username, err)
	}
	return id
}

func mustInsert(t *testing.T, s *Store, kind transfer.Kind, fields transfer.Fields) int64 {
	t.Helper()
	var id int64
	err := s.InTx(context.Background(), func(tx transfer.Tx) error {
		var err error
		id, err = tx.InsertEntity(context.Background(), kind, fields)
		return err
	})
	if err != nil {
		t.Fatalf("InsertEntity(%s) error = %v", kind, err)
	}
	return id
}

func newSession(id string, owner int64, started time.Time) *model.ImportSession {
	return &model.ImportSession{
		ID:          id,
		OwnerID:     owner,
		ArchivePath: "/tmp/" + id + ".zip",
		ArchiveSize: 3 * 1024 * 1024,
		Options:     "{}",
		Nominations: "{}",
		Policy:      transfer.PolicyUserCentric,
		Status:      model.StatusInProgress,
		StartedAt:   started,
	}
}

func TestStore_Accounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := mustAccount(t, s, "alice", true)

	t.Run("get by id", func(t *testing.T) {
		a, err := s.GetAccount(ctx, id)
		if err != nil {
			t.Fatalf("GetAccount() error = %v", err)
		}
		if a == nil || a.Username != "alice" || !a.IsStaff {
			t.Errorf("GetAccount() = %+v, want staff alice", a)
		}
	})

	t.Run("missing account returns nil", func(t *testing.T) {
		a, err := s.GetAccount(ctx, 999)
		if err != nil {
			t.Fatalf("GetAccount() error = %v", err)
		}
		if a != nil {
			t.Errorf("GetAccount() = %+v, want nil", a)
		}
	})

	t.Run("find by username", func(t *testing.T) {
		a, err := s.FindAccountByUsername(ctx, "alice")
		if err != nil {
			t.Fatalf("FindAccountByUsername() error = %v", err)
		}
		if a == nil || a.ID != id {
			t.Errorf("FindAccountByUsername() = %+v, want id %d", a, id)
		}
	})

	t.Run("duplicate username fails", func(t *testing.T) {
		if _, err := s.CreateAccount(ctx, "alice", false); err == nil {
			t.Error("CreateAccount() expected error for duplicate username")
		}
	})
}

func TestTx_EntityLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	owner := mustAccount(t, s, "alice", false)

	id := mustInsert(t, s, transfer.KindProject, transfer.Fields{
		"project_name": "Yeast", "project_description": "growth curves", "owner_id": owner,
	})
	if id <= 0 {
		t.Fatalf("InsertEntity() id = %d, want positive", id)
	}

	err := s.InTx(ctx, func(tx transfer.Tx) error {
		if err := tx.UpdateEntity(ctx, transfer.KindProject, id, transfer.Fields{"project_description": "updated"}); err != nil {
			return err
		}
		exists, err := tx.EntityExists(ctx, transfer.KindProject, id)
		if err != nil {
			return err
		}
		if !exists {
			t.Error("EntityExists() = false after insert")
		}

		deleted, err := tx.DeleteEntity(ctx, transfer.KindProject, id)
		if err != nil {
			return err
		}
		if !deleted {
			t.Error("DeleteEntity() = false, want true")
		}
		deleted, err = tx.DeleteEntity(ctx, transfer.KindProject, id)
		if err != nil {
			return err
		}
		if deleted {
			t.Error("second DeleteEntity() = true, want false for already gone entity")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
}

func TestTx_FindByNaturalKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	bob := mustAccount(t, s, "bob", false)

	first := mustInsert(t, s, transfer.KindReagent, transfer.Fields{"name": "NaCl", "unit": "g"})
	mustInsert(t, s, transfer.KindReagent, transfer.Fields{"name": "NaCl", "unit": "g"})
	aliceProject := mustInsert(t, s, transfer.KindProject, transfer.Fields{"project_name": "Yeast", "owner_id": alice})

	tests := []struct {
		name      string
		kind      transfer.Kind
		owner     *int64
		key       transfer.Fields
		wantID    int64
		wantFound bool
	}{
		{"global key returns oldest match", transfer.KindReagent, nil, transfer.Fields{"name": "NaCl", "unit": "g"}, first, true},
		{"global key different unit", transfer.KindReagent, nil, transfer.Fields{"name": "NaCl", "unit": "mg"}, 0, false},
		{"owned key in owner scope", transfer.KindProject, &alice, transfer.Fields{"project_name": "Yeast"}, aliceProject, true},
		{"owned key outside owner scope", transfer.KindProject, &bob, transfer.Fields{"project_name": "Yeast"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.View(ctx, func(q transfer.Querier) error {
				id, found, err := q.FindByNaturalKey(ctx, tt.kind, tt.owner, tt.key)
				if err != nil {
					return err
				}
				if found != tt.wantFound || id != tt.wantID {
					t.Errorf("FindByNaturalKey() = (%d, %v), want (%d, %v)", id, found, tt.wantID, tt.wantFound)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("View() error = %v", err)
			}
		})
	}
}

func TestTx_CanUseStorage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	bob := mustAccount(t, s, "bob", false)
	carol := mustAccount(t, s, "carol", false)

	freezer := mustInsert(t, s, transfer.KindStorageObject, transfer.Fields{"object_name": "Freezer", "owner_id": alice})
	group := mustInsert(t, s, transfer.KindLabGroup, transfer.Fields{"name": "Lab", "owner_id": alice})

	err := s.InTx(ctx, func(tx transfer.Tx) error {
		if _, err := tx.Link(ctx, transfer.RelStorageAccessGroups, freezer, group); err != nil {
			return err
		}
		_, err := tx.Link(ctx, transfer.RelLabGroupMembers, group, bob)
		return err
	})
	if err != nil {
		t.Fatalf("linking: %v", err)
	}

	tests := []struct {
		name    string
		account int64
		want    bool
	}{
		{"owner", alice, true},
		{"group member", bob, true},
		{"stranger", carol, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.View(ctx, func(q transfer.Querier) error {
				got, err := q.CanUseStorage(ctx, tt.account, freezer)
				if err != nil {
					return err
				}
				if got != tt.want {
					t.Errorf("CanUseStorage() = %v, want %v", got, tt.want)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("View() error = %v", err)
			}
		})
	}
}

func TestTx_LinkUnlink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	group := mustInsert(t, s, transfer.KindLabGroup, transfer.Fields{"name": "Lab", "owner_id": alice})

	err := s.InTx(ctx, func(tx transfer.Tx) error {
		added, err := tx.Link(ctx, transfer.RelLabGroupMembers, group, alice)
		if err != nil {
			return err
		}
		if !added {
			t.Error("Link() = false, want true for new link")
		}
		added, err = tx.Link(ctx, transfer.RelLabGroupMembers, group, alice)
		if err != nil {
			return err
		}
		if added {
			t.Error("second Link() = true, want false for existing link")
		}

		removed, err := tx.Unlink(ctx, transfer.RelLabGroupMembers, group, alice)
		if err != nil {
			return err
		}
		if !removed {
			t.Error("Unlink() = false, want true")
		}
		removed, err = tx.Unlink(ctx, transfer.RelLabGroupMembers, group, alice)
		if err != nil {
			return err
		}
		if removed {
			t.Error("second Unlink() = true, want false")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
}

func TestTx_Savepoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	reagent := mustInsert(t, s, transfer.KindReagent, transfer.Fields{"name": "NaCl", "unit": "g"})
	freezer := mustInsert(t, s, transfer.KindStorageObject, transfer.Fields{"object_name": "Freezer", "owner_id": alice})
	mustInsert(t, s, transfer.KindStoredReagent, transfer.Fields{
		"reagent_id": reagent, "storage_object_id": freezer, "owner_id": alice,
	})

	var kept int64
	err := s.InTx(ctx, func(tx transfer.Tx) error {
		// Still referenced by the stored reagent.
		spErr := tx.Savepoint(ctx, "delete_reagent", func() error {
			_, err := tx.DeleteEntity(ctx, transfer.KindReagent, reagent)
			return err
		})
		if spErr == nil {
			t.Error("Savepoint() error = nil, want foreign key failure")
		}

		return tx.Savepoint(ctx, "insert_tag", func() error {
			var err error
			kept, err = tx.InsertEntity(ctx, transfer.KindTag, transfer.Fields{"tag": "pcr"})
			return err
		})
	})
	if err != nil {
		t.Fatalf("InTx() error = %v, transaction should survive a failed savepoint", err)
	}

	err = s.View(ctx, func(q transfer.Querier) error {
		for kind, id := range map[transfer.Kind]int64{transfer.KindReagent: reagent, transfer.KindTag: kept} {
			exists, err := q.EntityExists(ctx, kind, id)
			if err != nil {
				return err
			}
			if !exists {
				t.Errorf("%s %d missing after commit", kind, id)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var id int64
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx transfer.Tx) error {
		var err error
		id, err = tx.InsertEntity(ctx, transfer.KindTag, transfer.Fields{"tag": "pcr"})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want %v", err, boom)
	}

	err = s.View(ctx, func(q transfer.Querier) error {
		exists, err := q.EntityExists(ctx, transfer.KindTag, id)
		if err != nil {
			return err
		}
		if exists {
			t.Error("tag exists after rolled back transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.CreateSession(ctx, newSession("s-1", alice, started)); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetSession() = nil, want session")
	}
	if got.Status != model.StatusInProgress || !got.StartedAt.Equal(started) {
		t.Errorf("GetSession() = %+v, want in_progress started at %v", got, started)
	}

	missing, err := s.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetSession(nope) = (%v, %v), want (nil, nil)", missing, err)
	}

	done := model.SessionOutcome{Status: model.StatusCompleted, FinishedAt: started.Add(time.Minute), CanRevert: true}
	if err := s.FinishSession(ctx, "s-1", done); err != nil {
		t.Fatalf("FinishSession() error = %v", err)
	}
	if err := s.FinishSession(ctx, "s-1", done); err != nil {
		t.Errorf("repeated FinishSession() error = %v, want no-op", err)
	}

	failed := model.SessionOutcome{Status: model.StatusFailed, FinishedAt: started, Error: "boom"}
	if err := s.FinishSession(ctx, "s-1", failed); !errors.Is(err, transfer.ErrSessionFinalized) {
		t.Errorf("conflicting FinishSession() error = %v, want %v", err, transfer.ErrSessionFinalized)
	}

	at := started.Add(time.Hour)
	err = s.InTx(ctx, func(tx transfer.Tx) error {
		return tx.MarkSessionReverted(ctx, "s-1", alice, at)
	})
	if err != nil {
		t.Fatalf("MarkSessionReverted() error = %v", err)
	}

	got, err = s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != model.StatusReverted || got.CanRevert || got.RevertReason.String != "already reverted" {
		t.Errorf("reverted session = %+v", got)
	}
	if !got.RevertedAt.Valid || !got.RevertedAt.Time.Equal(at) || got.RevertedBy.Int64 != alice {
		t.Errorf("revert metadata = (%v, %v), want (%v, %d)", got.RevertedAt, got.RevertedBy, at, alice)
	}

	if err := s.FinishSession(ctx, "s-1", done); !errors.Is(err, transfer.ErrSessionReverted) {
		t.Errorf("FinishSession() after revert error = %v, want %v", err, transfer.ErrSessionReverted)
	}
	err = s.InTx(ctx, func(tx transfer.Tx) error {
		return tx.MarkSessionReverted(ctx, "s-1", alice, at)
	})
	if !errors.Is(err, transfer.ErrAlreadyReverted) {
		t.Errorf("second MarkSessionReverted() error = %v, want %v", err, transfer.ErrAlreadyReverted)
	}
}

func TestStore_FailedSessionResetsCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	sess := newSession("s-1", alice, now)
	sess.EntitiesCreated = 4
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	outcome := model.SessionOutcome{Status: model.StatusFailed, FinishedAt: now, Error: "boom", RevertReason: "failed"}
	if err := s.FinishSession(ctx, "s-1", outcome); err != nil {
		t.Fatalf("FinishSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.EntitiesCreated != 0 || got.CanRevert || got.Error.String != "boom" {
		t.Errorf("failed session = %+v, want zero counters, can_revert false, error boom", got)
	}
}

func TestTx_LedgerRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, newSession("s-1", alice, now)); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	err := s.InTx(ctx, func(tx transfer.Tx) error {
		for i := int64(1); i <= 3; i++ {
			rec := &model.EntityRecord{SessionID: "s-1", Kind: "tag", NewID: 10 + i, OriginalID: i, Snapshot: "{}", CreatedAt: now}
			if err := tx.RecordEntity(ctx, rec); err != nil {
				return err
			}
		}
		if err := tx.RecordReuse(ctx, "s-1"); err != nil {
			return err
		}
		if err := tx.RecordFile(ctx, &model.FileRecord{SessionID: "s-1", Path: "annotations/s-1/1/a.png", OriginalName: "a.png", Size: 5, CreatedAt: now}); err != nil {
			return err
		}
		return tx.RecordRelationship(ctx, &model.RelationshipRecord{
			SessionID: "s-1", Relation: "lab_group_members", FromKind: "lab_group", FromID: 1, ToKind: "user", ToID: alice, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("recording: %v", err)
	}

	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.EntitiesCreated != 3 || got.EntitiesReused != 1 || got.FilesCreated != 1 || got.RelationshipsCreated != 1 {
		t.Errorf("counters = (%d, %d, %d, %d), want (3, 1, 1, 1)",
			got.EntitiesCreated, got.EntitiesReused, got.FilesCreated, got.RelationshipsCreated)
	}

	err = s.InTx(ctx, func(tx transfer.Tx) error {
		recs, err := tx.EntityRecords(ctx, "s-1")
		if err != nil {
			return err
		}
		if len(recs) != 3 {
			t.Fatalf("EntityRecords() len = %d, want 3", len(recs))
		}
		for i, rec := range recs {
			if rec.OriginalID != int64(i+1) {
				t.Errorf("EntityRecords()[%d].OriginalID = %d, want %d (insertion order)", i, rec.OriginalID, i+1)
			}
		}
		files, err := tx.FileRecords(ctx, "s-1")
		if err != nil {
			return err
		}
		if len(files) != 1 || files[0].OriginalName != "a.png" {
			t.Errorf("FileRecords() = %+v", files)
		}

		if err := tx.PurgeLedger(ctx, "s-1"); err != nil {
			return err
		}
		recs, err = tx.EntityRecords(ctx, "s-1")
		if err != nil {
			return err
		}
		links, err := tx.RelationshipRecords(ctx, "s-1")
		if err != nil {
			return err
		}
		if len(recs) != 0 || len(links) != 0 {
			t.Errorf("after PurgeLedger() entity=%d links=%d, want 0", len(recs), len(links))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
}

func TestStore_ListSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	bob := mustAccount(t, s, "bob", false)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateSession(ctx, newSession(id, alice, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
	}
	if err := s.CreateSession(ctx, newSession("other", bob, base)); err != nil {
		t.Fatalf("CreateSession(other) error = %v", err)
	}
	done := model.SessionOutcome{Status: model.StatusCompleted, FinishedAt: base, CanRevert: true}
	if err := s.FinishSession(ctx, "mid", done); err != nil {
		t.Fatalf("FinishSession() error = %v", err)
	}
	err := s.InTx(ctx, func(tx transfer.Tx) error {
		return tx.MarkSessionReverted(ctx, "mid", alice, base)
	})
	if err != nil {
		t.Fatalf("MarkSessionReverted() error = %v", err)
	}

	tests := []struct {
		name            string
		includeReverted bool
		want            []string
	}{
		{"without reverted", false, []string{"new", "old"}},
		{"with reverted", true, []string{"new", "mid", "old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions, err := s.ListSessions(ctx, alice, tt.includeReverted)
			if err != nil {
				t.Fatalf("ListSessions() error = %v", err)
			}
			if len(sessions) != len(tt.want) {
				t.Fatalf("ListSessions() len = %d, want %d", len(sessions), len(tt.want))
			}
			for i, id := range tt.want {
				if sessions[i].ID != id {
					t.Errorf("ListSessions()[%d] = %s, want %s", i, sessions[i].ID, id)
				}
			}
		})
	}
}

func TestStore_CheckSchema(t *testing.T) {
	s := newTestStore(t)
	if err := s.CheckSchema(); err != nil {
		t.Errorf("CheckSchema() on a fresh store error = %v", err)
	}
	if s.Dialect() != "sqlite" {
		t.Errorf("Dialect() = %q, want sqlite", s.Dialect())
	}
}

func TestTx_DeleteBlockedByLink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := mustAccount(t, s, "alice", false)
	protocol := mustInsert(t, s, transfer.KindProtocol, transfer.Fields{"protocol_title": "PCR", "owner_id": alice})
	session := mustInsert(t, s, transfer.KindSession, transfer.Fields{"name": "Run", "unique_id": "run-1", "owner_id": alice})

	err := s.InTx(ctx, func(tx transfer.Tx) error {
		if _, err := tx.Link(ctx, transfer.RelSessionProtocols, session, protocol); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, "delete_protocol", func() error {
			_, err := tx.DeleteEntity(ctx, transfer.KindProtocol, protocol)
			return err
		})
		if spErr == nil {
			t.Error("deleting a linked protocol succeeded, want foreign key failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}

	var links int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM session_protocols").Scan(&links); err != nil {
		t.Fatal(err)
	}
	if links != 1 {
		t.Errorf("session_protocols rows = %d, want the link kept", links)
	}
}
