package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"labport/internal/config"
	"labport/internal/encryption"
	"labport/internal/testutil"
	"labport/internal/transfer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig(base)
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.ScratchDir = filepath.Join(base, "scratch")
	cfg.Metrics.TextfilePath = filepath.Join(base, "metrics", "labport.prom")
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts Options) *LabportApp {
	t.Helper()
	a, err := NewLabportApp(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("NewLabportApp() error = %v", err)
	}
	return a
}

func TestLabportApp_ImportRevertCycle(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg, Options{Operation: "Import"})
	ctx := context.Background()

	if _, err := a.AddAccount(ctx, "yves", false); err != nil {
		t.Fatalf("AddAccount() error = %v", err)
	}
	path := testutil.LabArchive(t).WriteZip(filepath.Join(t.TempDir(), "lab.zip"))

	report, err := a.Analyze(ctx, ImportParams{Account: "yves", ArchivePath: path})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if report.RecordCounts["export_protocols"] != 2 {
		t.Errorf("analysis protocols = %d, want 2", report.RecordCounts["export_protocols"])
	}

	res, err := a.Import(ctx, ImportParams{
		Account:     "yves",
		ArchivePath: path,
		Exclude:     []string{"project"},
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.Stats.PerKind[transfer.KindProject].Created != 0 {
		t.Error("excluded projects were imported")
	}
	if res.Stats.FilesLinked != 1 {
		t.Errorf("FilesLinked = %d, want 1", res.Stats.FilesLinked)
	}

	var media []string
	filepath.WalkDir(cfg.Media.Root, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			media = append(media, p)
		}
		return nil
	})
	if len(media) != 1 || filepath.Base(media[0]) != "gel.png" {
		t.Errorf("media files = %v, want one gel.png", media)
	}

	sessions, err := a.Sessions(ctx, "yves", false)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != res.SessionID {
		t.Fatalf("Sessions() = %+v, want %s", sessions, res.SessionID)
	}

	rev, err := a.Revert(ctx, res.SessionID, "yves")
	if err != nil {
		t.Fatalf("Revert() error = %v", err)
	}
	if rev.Stats.FilesDeleted != 1 || rev.Stats.EntitiesDeleted != res.Stats.Created {
		t.Errorf("revert stats = %+v", rev.Stats)
	}
	s, err := a.Session(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if s.Status != "reverted" {
		t.Errorf("status = %q, want reverted", s.Status)
	}
	if _, err := a.Session(ctx, "missing"); !errors.Is(err, transfer.ErrSessionNotFound) {
		t.Errorf("Session(missing) error = %v, want SESSION_NOT_FOUND", err)
	}
	if err := a.CheckSchema(); err != nil {
		t.Errorf("CheckSchema() error = %v", err)
	}
	if a.op.Failed() {
		t.Error("operation marked failed after successful calls")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	prom, err := os.ReadFile(cfg.Metrics.TextfilePath)
	if err != nil {
		t.Fatalf("reading metrics textfile: %v", err)
	}
	for _, want := range []string{`labport_import_sessions_total{status="completed"} 1`, "labport_revert_sessions_total 1"} {
		if !strings.Contains(string(prom), want) {
			t.Errorf("metrics textfile lacks %q", want)
		}
	}
	logData, err := os.ReadFile(filepath.Join(cfg.LogDir, "labport.log"))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !bytes.Contains(logData, []byte("import completed")) || !bytes.Contains(logData, []byte(a.op.ID)) {
		t.Errorf("log lacks import completion for operation %s", a.op.ID)
	}
}

func TestLabportApp_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown account", func(t *testing.T) {
		a := newTestApp(t, testConfig(t), Options{Operation: "Import"})
		defer a.Close()

		_, err := a.Import(ctx, ImportParams{Account: "ghost", ArchivePath: "x.zip"})
		if err == nil || !strings.Contains(err.Error(), "ghost") {
			t.Errorf("Import() error = %v, want unknown account", err)
		}
		if !a.op.Failed() {
			t.Error("operation not marked failed")
		}
	})

	t.Run("bad nomination", func(t *testing.T) {
		a := newTestApp(t, testConfig(t), Options{Operation: "Analyze"})
		defer a.Close()
		if _, err := a.AddAccount(ctx, "yves", false); err != nil {
			t.Fatalf("AddAccount() error = %v", err)
		}

		_, err := a.Analyze(ctx, ImportParams{Account: "yves", ArchivePath: "x.zip", Nominations: []string{"10"}})
		if err == nil {
			t.Error("Analyze() error = nil, want nomination parse error")
		}
	})

	t.Run("duplicate account", func(t *testing.T) {
		a := newTestApp(t, testConfig(t), Options{Operation: "AccountAdd"})
		defer a.Close()
		if _, err := a.AddAccount(ctx, "yves", false); err != nil {
			t.Fatalf("AddAccount() error = %v", err)
		}
		if _, err := a.AddAccount(ctx, "yves", true); err == nil {
			t.Error("second AddAccount() error = nil, want unique violation")
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database.Type = "oracle"
		if _, err := NewLabportApp(ctx, cfg, Options{}); err == nil {
			t.Error("NewLabportApp() error = nil, want validation error")
		}
	})
}

func TestLabportApp_EncryptedArchive(t *testing.T) {
	cfg := testConfig(t)
	recipient, err := encryption.NewKeyPair(cfg.Archive.IdentityPath).Setup("pw")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	dir := t.TempDir()
	plain, err := os.ReadFile(testutil.LabArchive(t).WriteZip(filepath.Join(dir, "lab.zip")))
	if err != nil {
		t.Fatal(err)
	}
	var sealed bytes.Buffer
	if err := encryption.Encrypt(bytes.NewReader(plain), &sealed, recipient); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	path := filepath.Join(dir, "lab.zip.age")
	if err := os.WriteFile(path, sealed.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLabportApp(context.Background(), cfg, Options{Passphrase: "wrong"}); err == nil {
		t.Fatal("NewLabportApp() with wrong passphrase succeeded")
	}

	a := newTestApp(t, cfg, Options{Operation: "Import", Passphrase: "pw"})
	defer a.Close()
	if _, err := a.AddAccount(context.Background(), "yves", false); err != nil {
		t.Fatalf("AddAccount() error = %v", err)
	}
	res, err := a.Import(context.Background(), ImportParams{Account: "yves", ArchivePath: path})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.Stats.Created != testutil.LabArchiveCreated {
		t.Errorf("Created = %d, want %d", res.Stats.Created, testutil.LabArchiveCreated)
	}
}
