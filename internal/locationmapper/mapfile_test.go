package locationmapper

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMapFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "desmap.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileParsesEntries(t *testing.T) {
	path := writeMapFile(t, `# mapping
http://example.com/rs/=mirror/example

http://other.org=/abs/other
`)

	m, err := LoadFile(path, "/root")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	_, dir, ok := m.FindDestination("http://example.com/rs/x", "", false, "")
	if !ok {
		t.Fatal("FindDestination: want ok")
	}
	if want := filepath.Join("/root", "mirror", "example"); dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}

	_, dir, ok = m.FindDestination("http://other.org/a/b", "", false, "")
	if !ok {
		t.Fatal("FindDestination: want ok")
	}
	if dir != "/abs/other" {
		t.Errorf("dir = %q, want /abs/other", dir)
	}
}

func TestLoadFileFirstDeclarationWins(t *testing.T) {
	path := writeMapFile(t, `http://example.com/rs=first
http://example.com/rs=second
`)

	m, err := LoadFile(path, "/root")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	_, dir, _ := m.FindDestination("http://example.com/rs/x", "", false, "")
	if want := filepath.Join("/root", "first"); dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
}

func TestLoadFileMalformedLine(t *testing.T) {
	path := writeMapFile(t, "no separator here\n")
	if _, err := LoadFile(path, ""); err == nil {
		t.Fatal("LoadFile: want error for malformed line")
	}
}
