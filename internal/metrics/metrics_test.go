package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"labport/internal/transfer"
)

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ImportFinished("completed", 1500*time.Millisecond)
	r.ImportFinished("failed", 200*time.Millisecond)
	r.EntitiesImported(transfer.Kind("reagent"), transfer.KindStats{Created: 3, Reused: 2})
	r.FilesMaterialized(4, 2048)
	r.RevertFinished(transfer.RevertStats{EntitiesDeleted: 5, FilesDeleted: 1, RelationshipsRemoved: 2}, 1)

	path := filepath.Join(t.TempDir(), "textfile", "labport.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading textfile: %v", err)
	}
	out := string(data)

	want := []string{
		`labport_import_sessions_total{status="completed"} 1`,
		`labport_import_sessions_total{status="failed"} 1`,
		`labport_import_duration_seconds_count 2`,
		`labport_import_entities_total{kind="reagent",outcome="created"} 3`,
		`labport_import_entities_total{kind="reagent",outcome="reused"} 2`,
		`labport_import_entities_total{kind="reagent",outcome="skipped"} 0`,
		`labport_import_files_total 4`,
		`labport_import_file_bytes_total 2048`,
		`labport_revert_sessions_total 1`,
		`labport_revert_removed_total{type="entities"} 5`,
		`labport_revert_removed_total{type="relationships"} 2`,
		`labport_revert_warnings_total 1`,
	}
	for _, line := range want {
		if !strings.Contains(out, line) {
			t.Errorf("textfile missing %q", line)
		}
	}
}

func TestRecorder_SeparateRegistries(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.FilesMaterialized(1, 10)

	families, err := b.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "labport_import_files_total" {
			continue
		}
		if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 0 {
			t.Errorf("second recorder files_total = %v, want 0", v)
		}
	}
}
