package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterKeepsOneBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	w, err := NewRotatingWriter(path, 16, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("first line that overflows\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if !strings.Contains(string(backup), "first line") {
		t.Errorf("backup = %q, want first line", backup)
	}
	current, _ := os.ReadFile(path)
	if string(current) != "second\n" {
		t.Errorf("current = %q, want %q", current, "second\n")
	}
}

func TestRotatingWriterShiftsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	w, err := NewRotatingWriter(path, 4, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	for _, line := range []string{"aaaaa\n", "bbbbb\n", "ccccc\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write(%q): %v", line, err)
		}
	}

	for suffix, want := range map[string]string{".1": "ccccc\n", ".2": "bbbbb\n"} {
		got, err := os.ReadFile(path + suffix)
		if err != nil {
			t.Fatalf("read %s: %v", suffix, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", suffix, got, want)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("%s.3 should not exist: %v", path, err)
	}
}

func TestRotatingWriterWithoutBackupsTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	if err := os.WriteFile(path, []byte("left over from the last run\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := NewRotatingWriter(path, 16, 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("fresh\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	current, _ := os.ReadFile(path)
	if string(current) != "fresh\n" {
		t.Errorf("current = %q, want %q", current, "fresh\n")
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Errorf("unexpected backup: %v", err)
	}
}

func TestRotatingWriterReportsRotationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	// A non-empty directory where the backup should go makes the rename fail.
	if err := os.MkdirAll(filepath.Join(path+".1", "keep"), 0755); err != nil {
		t.Fatal(err)
	}
	w, err := NewRotatingWriter(path, 4, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	n, err := w.Write([]byte("overflow\n"))
	if err == nil || !strings.Contains(err.Error(), "rotate") {
		t.Fatalf("Write error = %v, want rotation failure", err)
	}
	if n != len("overflow\n") {
		t.Errorf("n = %d", n)
	}
	w.Write([]byte("more\n"))
	current, _ := os.ReadFile(path)
	if string(current) != "overflow\nmore\n" {
		t.Errorf("current = %q, want both writes kept", current)
	}
}

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	rw, err := Setup(Config{Level: "info", Format: "json", File: path})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer rw.Close()
	defer SetOutput(os.Stderr)

	l := With("test")
	l.Info().Str("mls_id", "X1").Msg("hello")
	Debug().Msg("filtered")

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, `"mls_id":"X1"`) || !strings.Contains(out, `"component":"test"`) {
		t.Errorf("log output missing fields: %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Errorf("debug line written at info level: %s", out)
	}
}
