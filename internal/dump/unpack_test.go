package dump

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/locationmapper"
)

const manifestXML = `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9" xmlns:rs="http://www.openarchives.org/rs/terms/">
  <rs:md capability="resourcedump-manifest"/>
  <url>
    <loc>http://example.com/res1</loc>
    <rs:ln rel="contents" href="res1.txt"/>
  </url>
</urlset>`

func buildDumpZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mw, err := zw.Create("manifest.xml")
	if err != nil {
		t.Fatal(err)
	}
	mw.Write([]byte(manifestXML))

	rw, err := zw.Create("res1.txt")
	if err != nil {
		t.Fatal(err)
	}
	rw.Write([]byte("dumped content"))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpackAppliesManifestEntries(t *testing.T) {
	payload := buildDumpZip(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/dump.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	destMap := locationmapper.New(
		map[string]string{"http://example.com": "repo"},
		[]string{"http://example.com"},
		root,
	)

	tempDir := t.TempDir()
	u := New(fetch.New(5*time.Second), destMap, nil, Options{}, tempDir, zap.NewNop().Sugar())

	if err := u.Unpack(srv.URL+"/dump.zip", "resourcedump"); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	want := filepath.Join(root, "repo", "res1")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", want, err)
	}
	if string(data) != "dumped content" {
		t.Errorf("content = %q", data)
	}

	leftover, _ := os.ReadDir(tempDir)
	if len(leftover) != 0 {
		t.Errorf("tempDir has %d leftover entries, want 0 (cleanup guaranteed)", len(leftover))
	}
}

func TestUnpackRemovesStaleLocalFiles(t *testing.T) {
	payload := buildDumpZip(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/dump.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	repoDir := filepath.Join(root, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(repoDir, "gone")
	if err := os.WriteFile(stale, []byte("previously synced"), 0o644); err != nil {
		t.Fatal(err)
	}

	destMap := locationmapper.New(
		map[string]string{"http://example.com": "repo"},
		[]string{"http://example.com"},
		root,
	)
	u := New(fetch.New(5*time.Second), destMap, nil, Options{}, t.TempDir(), zap.NewNop().Sugar())

	if err := u.Unpack(srv.URL+"/dump.zip", "resourcedump"); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file still present, want removed")
	}
	if _, err := os.Stat(filepath.Join(repoDir, "res1")); err != nil {
		t.Errorf("manifest entry missing: %v", err)
	}
}

func TestUnpackAuditOnlyLeavesStaleFiles(t *testing.T) {
	payload := buildDumpZip(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/dump.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	repoDir := filepath.Join(root, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(repoDir, "gone")
	if err := os.WriteFile(stale, []byte("previously synced"), 0o644); err != nil {
		t.Fatal(err)
	}

	destMap := locationmapper.New(
		map[string]string{"http://example.com": "repo"},
		[]string{"http://example.com"},
		root,
	)
	u := New(fetch.New(5*time.Second), destMap, nil, Options{AuditOnly: true}, t.TempDir(), zap.NewNop().Sugar())

	if err := u.Unpack(srv.URL+"/dump.zip", "resourcedump"); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	if _, err := os.Stat(stale); err != nil {
		t.Errorf("audit_only removed a stale file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repoDir, "res1")); !os.IsNotExist(err) {
		t.Errorf("audit_only wrote a manifest entry to disk")
	}
}

func TestUnpackCleansUpOnParseFailure(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("manifest.xml")
	w.Write([]byte("not xml at all <<<"))
	zw.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/dump.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	destMap := locationmapper.New(nil, nil, root)
	tempDir := t.TempDir()
	u := New(fetch.New(5*time.Second), destMap, nil, Options{}, tempDir, zap.NewNop().Sugar())

	err := u.Unpack(srv.URL+"/dump.zip", "resourcedump")
	if err == nil {
		t.Fatal("Unpack: want error for malformed manifest")
	}
	de, ok := err.(*Error)
	if !ok || de.Kind != KindParse {
		t.Fatalf("err = %v, want *Error{Kind: KindParse}", err)
	}

	leftover, _ := os.ReadDir(tempDir)
	if len(leftover) != 0 {
		t.Errorf("tempDir has %d leftover entries after failure, want 0", len(leftover))
	}
}
