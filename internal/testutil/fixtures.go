package testutil

import (
	"context"
	"fmt"
	"testing"

	"labport/internal/database"
	"labport/internal/transfer"
)

// LabArchive returns a builder holding a small but complete lab export made by archive
// user 1 ("alice"): a lab group, two storage locations, reagents and one stored reagent,
// two protocols with sections and steps, a session with three annotations (one carrying
// a file, one an instrument annotation), tags, a metadata column and a step reagent.
//
// The manifest carries no content hash so tests may add rows before writing.
func LabArchive(t testing.TB) *ArchiveBuilder {
	b := NewArchiveBuilder(t)

	b.Table("export_users", "id", "username").
		Row("export_users", 1, "alice").
		Row("export_users", 2, "bob")

	b.Table("export_remote_hosts", "id", "host_name", "host_port", "host_protocol", "host_description").
		Row("export_remote_hosts", 1, "lab.example.org", 443, "https", "origin instance")

	b.Table("export_lab_groups", "id", "name", "description", "is_professional", "remote_host_id").
		Row("export_lab_groups", 1, "Proteomics", "core facility", true, nil)
	b.Table("export_lab_group_members", "lab_group_id", "user_id").
		Row("export_lab_group_members", 1, 1)

	b.Table("export_storage_objects", "id", "object_name", "object_type", "object_description", "can_delete", "remote_host_id", "stored_at_id").
		Row("export_storage_objects", 10, "Freezer A", "freezer", "-80C", true, nil, nil).
		Row("export_storage_objects", 11, "Shelf 2", "shelf", "", true, nil, 10)
	b.Table("export_storage_access_groups", "storage_object_id", "lab_group_id").
		Row("export_storage_access_groups", 10, 1)

	b.Table("export_reagents", "id", "name", "unit").
		Row("export_reagents", 1, "Alpha", "mL").
		Row("export_reagents", 2, "Beta", "g")
	b.Table("export_stored_reagents", "id", "reagent_id", "storage_object_id", "quantity", "notes", "barcode", "expiration_date", "shareable").
		Row("export_stored_reagents", 1, 1, 10, 5.0, "lot 7", "BC-0001", nil, false)

	b.Table("export_projects", "id", "project_name", "project_description", "remote_host_id").
		Row("export_projects", 1, "Cell atlas", "", nil)

	b.Table("export_protocols", "id", "protocol_title", "protocol_description", "protocol_url", "enabled", "remote_host_id").
		Row("export_protocols", 1, "Western blot", "Standard western", "", true, nil).
		Row("export_protocols", 2, "PCR", "Touchdown PCR", "", true, nil)
	b.Table("export_protocol_sections", "id", "protocol_id", "section_description", "section_duration").
		Row("export_protocol_sections", 1, 1, "Preparation", 600)
	b.Table("export_protocol_steps", "id", "protocol_id", "step_section_id", "step_description", "step_duration", "previous_step_id", "branch_from_id").
		Row("export_protocol_steps", 1, 1, 1, "Load gel", 300, nil, nil).
		Row("export_protocol_steps", 2, 1, 1, "Run gel", 1800, 1, nil).
		Row("export_protocol_steps", 3, 2, nil, "Cycle", 120, nil, nil)
	b.Table("export_protocol_ratings", "id", "protocol_id", "user_id", "complexity_rating", "duration_rating").
		Row("export_protocol_ratings", 1, 1, 1, 3, 4)
	b.Table("export_protocol_editors", "protocol_id", "user_id").
		Row("export_protocol_editors", 1, 1)
	b.Table("export_protocol_viewers", "protocol_id", "user_id")

	b.Table("export_sessions", "id", "name", "enabled", "started_at", "ended_at").
		Row("export_sessions", 1, "Run 2024-03-01", true, "2024-03-01T09:00:00Z", nil)
	b.Table("export_session_protocols", "session_id", "protocol_id").
		Row("export_session_protocols", 1, 1).
		Row("export_session_protocols", 1, 2)
	b.Table("export_project_sessions", "session_id", "project_id").
		Row("export_project_sessions", 1, 1)

	b.Table("export_annotation_folders", "id", "folder_name", "session_id", "parent_folder_id").
		Row("export_annotation_folders", 1, "Images", 1, nil).
		Row("export_annotation_folders", 2, "Gels", 1, 1)
	b.Table("export_annotations", "id", "session_id", "step_id", "folder_id", "stored_reagent_id",
		"annotation", "annotation_type", "annotation_name", "transcription", "summary", "transcribed", "scratched", "file").
		Row("export_annotations", 1, 1, 1, nil, nil, "Loaded 20ug per lane", "text", "Loading note", nil, nil, false, false, nil).
		Row("export_annotations", 2, 1, 2, 2, nil, "", "file", "Gel photo", nil, nil, false, false, "media/annotations/gel.png").
		Row("export_annotations", 3, 1, nil, nil, nil, "Baseline read", "instrument", "Spectro", nil, nil, false, false, nil)

	b.Table("export_instruments", "id", "instrument_name", "instrument_description", "enabled").
		Row("export_instruments", 1, "Spectrometer", "UV-Vis", true)
	b.Table("export_instrument_usage", "id", "instrument_id", "annotation_id", "time_started", "time_ended", "description").
		Row("export_instrument_usage", 1, 1, 3, "2024-03-01T10:00:00Z", "2024-03-01T11:00:00Z", "baseline")

	b.Table("export_tags", "id", "tag").
		Row("export_tags", 1, "westerns")
	b.Table("export_protocol_tags", "id", "protocol_id", "tag_id").
		Row("export_protocol_tags", 1, 1, 1)
	b.Table("export_step_tags", "id", "step_id", "tag_id").
		Row("export_step_tags", 1, 1, 1)

	b.Table("export_metadata_columns", "id", "name", "type", "value", "column_position", "mandatory", "hidden",
		"stored_reagent_id", "instrument_id", "protocol_id").
		Row("export_metadata_columns", 1, "Lot", "text", "7", 0, false, false, 1, nil, nil)

	b.Table("export_step_reagents", "id", "step_id", "reagent_id", "quantity", "scalable", "scalable_factor").
		Row("export_step_reagents", 1, 1, 1, 2.5, true, 1.0)

	b.Media("annotations/gel.png", []byte("gel-image-bytes"))

	b.Manifest(map[string]any{
		"export_timestamp": "2024-03-02T08:00:00Z",
		"source_user_id":   1,
		"source_username":  "alice",
		"format_version":   "1.0",
		"archive_kind":     "user",
	})
	return b
}

// LabArchiveCreated is the number of entities a user-centric import of LabArchive creates
// into an empty destination without storage nominations.
const LabArchiveCreated = 26

// LabArchiveLinks is the number of links that import adds.
const LabArchiveLinks = 6

// MustAccount creates a destination account and returns its id.
func MustAccount(t testing.TB, store *database.Store, username string, staff bool) int64 {
	t.Helper()
	id, err := store.CreateAccount(context.Background(), username, staff)
	if err != nil {
		t.Fatalf("creating account %s: %v", username, err)
	}
	return id
}

// MustInsert creates one destination entity outside any import.
func MustInsert(t testing.TB, store *database.Store, kind transfer.Kind, fields transfer.Fields) int64 {
	t.Helper()
	var id int64
	err := store.InTx(context.Background(), func(tx transfer.Tx) error {
		var err error
		id, err = tx.InsertEntity(context.Background(), kind, fields)
		return err
	})
	if err != nil {
		t.Fatalf("inserting %s: %v", kind, err)
	}
	return id
}

// MustLink adds one destination link outside any import.
func MustLink(t testing.TB, store *database.Store, rel transfer.Relation, fromID, toID int64) {
	t.Helper()
	err := store.InTx(context.Background(), func(tx transfer.Tx) error {
		_, err := tx.Link(context.Background(), rel, fromID, toID)
		return err
	})
	if err != nil {
		t.Fatalf("linking %s %d->%d: %v", rel.Name, fromID, toID, err)
	}
}

// CountRows counts rows of table matching the optional where clause.
func CountRows(t testing.TB, store *database.Store, table, where string, args ...any) int {
	t.Helper()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := store.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

// TableCounts counts the rows of every entity and link table.
func TableCounts(t testing.TB, store *database.Store) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for _, k := range transfer.AllKinds() {
		counts[k.Table()] = CountRows(t, store, k.Table(), "")
	}
	for _, rel := range transfer.Relations() {
		counts[rel.Table()] = CountRows(t, store, rel.Table(), "")
	}
	return counts
}

// QueryString returns a single text value.
func QueryString(t testing.TB, store *database.Store, query string, args ...any) string {
	t.Helper()
	var s string
	if err := store.DB().QueryRow(query, args...).Scan(&s); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return s
}
