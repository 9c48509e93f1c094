package quantum

import (
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "script.lql")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestOpenAndNextAdvancesLineNumber(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "CREATE t SC 1 1", "SELECT t 1")

	s, err := Open(path, filepath.Join(dir, "script.lql.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	line, ok := s.Next()
	if !ok || line != "CREATE t SC 1 1" || s.LineNumber != 1 {
		t.Fatalf("got line=%q ok=%v lineNumber=%d", line, ok, s.LineNumber)
	}

	line, ok = s.Next()
	if !ok || line != "SELECT t 1" || s.LineNumber != 2 {
		t.Fatalf("got line=%q ok=%v lineNumber=%d", line, ok, s.LineNumber)
	}

	if _, ok := s.Next(); ok {
		t.Fatal("expected EOF after the last line")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
}

func TestReportWritesToOutputLog(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "JOURNAL")
	outPath := filepath.Join(dir, "script.lql.log")

	s, err := Open(path, outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Report("line %d: ok", 1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	body, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(body) != "line 1: ok\n" {
		t.Fatalf("got %q", string(body))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "EXIT")
	s, err := Open(path, filepath.Join(dir, "out.log"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestOpenMissingScriptFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing.lql"), filepath.Join(dir, "out.log")); err == nil {
		t.Fatal("expected an error opening a nonexistent script")
	}
}
