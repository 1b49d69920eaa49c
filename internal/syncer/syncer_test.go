package syncer

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/locationmapper"
	"github.com/EHRI/resydes/internal/reporter"
	"github.com/EHRI/resydes/internal/sitemap"
	"github.com/EHRI/resydes/internal/syncstate"
)

func newTestSyncer(t *testing.T, srv *httptest.Server, root string, opts Options) (*Syncer, *reporter.Reporter) {
	order := []string{srv.URL}
	mappings := map[string]string{srv.URL: "repo"}
	destMap := locationmapper.New(mappings, order, root)
	state, err := syncstate.Load(filepath.Join(root, "state.json"))
	if err != nil {
		t.Fatalf("syncstate.Load: %v", err)
	}
	rep := reporter.New()
	s := New(fetch.New(5*time.Second), destMap, state, rep, opts, zap.NewNop().Sugar())
	return s, rep
}

func TestSyncBaselineCreatesNewFile(t *testing.T) {
	content := []byte("resource body")
	mux := http.NewServeMux()
	mux.HandleFunc("/res1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	s, rep := newTestSyncer(t, srv, root, Options{})

	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{URI: srv.URL + "/res1", HasLength: true, Length: int64(len(content))},
		},
	}

	if err := s.SyncBaseline(srv.URL+"/resourcelist.xml", doc); err != nil {
		t.Fatalf("SyncBaseline: %v", err)
	}

	want := filepath.Join(root, "repo", "res1")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", want, err)
	}
	if string(data) != string(content) {
		t.Errorf("content = %q, want %q", data, content)
	}

	rows := rep.Reset()
	if len(rows) != 2 {
		t.Fatalf("got %d reporter rows, want 2 (audit + application)", len(rows))
	}
	if rows[0].Created != 1 {
		t.Errorf("audit row Created = %d, want 1", rows[0].Created)
	}
}

func TestSyncBaselineAuditOnlyNeverWrites(t *testing.T) {
	content := []byte("resource body")
	mux := http.NewServeMux()
	mux.HandleFunc("/res1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	s, rep := newTestSyncer(t, srv, root, Options{AuditOnly: true})

	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{URI: srv.URL + "/res1", HasLength: true, Length: int64(len(content))},
		},
	}

	if err := s.SyncBaseline(srv.URL+"/resourcelist.xml", doc); err != nil {
		t.Fatalf("SyncBaseline: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "repo", "res1")); !os.IsNotExist(err) {
		t.Errorf("audit_only created a file on disk, want none")
	}

	rows := rep.Reset()
	if len(rows) != 1 {
		t.Fatalf("got %d reporter rows, want 1 (audit only)", len(rows))
	}
	if rows[0].Created != 1 {
		t.Errorf("audit row Created = %d, want 1", rows[0].Created)
	}
}

func TestSyncBaselineDeletesStaleLocalFile(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	root := t.TempDir()
	localDir := filepath.Join(root, "repo")
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(localDir, "gone")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, rep := newTestSyncer(t, srv, root, Options{})
	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{URI: srv.URL + "/res1", HasLength: true, Length: 3},
		},
	}

	if err := s.SyncBaseline(srv.URL+"/resourcelist.xml", doc); err == nil {
		// res1 doesn't exist on the test server, so the create will fail;
		// we only care that the stale file was scheduled for deletion.
	}

	rows := rep.Reset()
	if len(rows) == 0 {
		t.Fatal("want at least one reporter row")
	}
	if rows[0].Deleted != 1 {
		t.Errorf("audit row Deleted = %d, want 1", rows[0].Deleted)
	}
}

func TestSyncBaselineDeletesDroppedSubtree(t *testing.T) {
	content := []byte("kept body")
	mux := http.NewServeMux()
	mux.HandleFunc("/res1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	oldDir := filepath.Join(root, "repo", "old-section")
	if err := os.MkdirAll(oldDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(oldDir, "dropped")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, rep := newTestSyncer(t, srv, root, Options{})
	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{URI: srv.URL + "/res1", HasLength: true, Length: int64(len(content))},
		},
	}

	if err := s.SyncBaseline(srv.URL+"/resourcelist.xml", doc); err != nil {
		t.Fatalf("SyncBaseline: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("dropped-subtree file still present, want removed")
	}
	if _, err := os.Stat(filepath.Join(root, "repo", "res1")); err != nil {
		t.Errorf("listed resource missing: %v", err)
	}

	rows := rep.Reset()
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Deleted != 1 {
		t.Errorf("audit row Deleted = %d, want 1", rows[0].Deleted)
	}
}

func TestSyncIncrementalAppliesAfterLastSynced(t *testing.T) {
	content := []byte("updated body")
	mux := http.NewServeMux()
	mux.HandleFunc("/res1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	s, rep := newTestSyncer(t, srv, root, Options{})

	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{
				URI:     srv.URL + "/res1",
				Change:  sitemap.ChangeUpdated,
				MDAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				HasMDAt: true,
			},
		},
	}

	if err := s.SyncIncremental(srv.URL+"/changelist.xml", doc); err != nil {
		t.Fatalf("SyncIncremental: %v", err)
	}

	want := filepath.Join(root, "repo", "res1")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", want, err)
	}
	if string(data) != string(content) {
		t.Errorf("content = %q, want %q", data, content)
	}

	rows := rep.Reset()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Updated != 1 {
		t.Errorf("Updated = %d, want 1", rows[0].Updated)
	}
}

func TestSyncIncrementalSkipsEntriesBeforeLastSynced(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	root := t.TempDir()
	s, rep := newTestSyncer(t, srv, root, Options{})

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s.state.Advance(srv.URL+"/changelist.xml", old)

	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{URI: srv.URL + "/res1", Change: sitemap.ChangeUpdated, MDAt: old.Add(-time.Hour), HasMDAt: true},
		},
	}

	if err := s.SyncIncremental(srv.URL+"/changelist.xml", doc); err != nil {
		t.Fatalf("SyncIncremental: %v", err)
	}

	rows := rep.Reset()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].InSync == nil || !*rows[0].InSync {
		t.Errorf("InSync = %v, want true (nothing applicable)", rows[0].InSync)
	}
}

func TestSyncIncrementalDelete(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	root := t.TempDir()

	for _, tc := range []struct {
		name         string
		auditOnly    bool
		wantGone     bool
		wantDeleted  int
		wantToDelete int
	}{
		{name: "applies", auditOnly: false, wantGone: true, wantDeleted: 1, wantToDelete: 1},
		{name: "audit only counts", auditOnly: true, wantGone: false, wantDeleted: 0, wantToDelete: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			localDir := filepath.Join(root, tc.name, "repo")
			if err := os.MkdirAll(localDir, 0o755); err != nil {
				t.Fatal(err)
			}
			target := filepath.Join(localDir, "res1")
			if err := os.WriteFile(target, []byte("doomed"), 0o644); err != nil {
				t.Fatal(err)
			}

			s, rep := newTestSyncer(t, srv, filepath.Join(root, tc.name), Options{AuditOnly: tc.auditOnly})
			doc := &sitemap.Document{
				Resources: []sitemap.Resource{
					{URI: srv.URL + "/res1", Change: sitemap.ChangeDeleted, MDAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), HasMDAt: true},
				},
			}

			if err := s.SyncIncremental(srv.URL+"/changelist.xml", doc); err != nil {
				t.Fatalf("SyncIncremental: %v", err)
			}

			_, err := os.Stat(target)
			if gone := os.IsNotExist(err); gone != tc.wantGone {
				t.Errorf("file gone = %v, want %v", gone, tc.wantGone)
			}

			rows := rep.Reset()
			if len(rows) != 1 {
				t.Fatalf("got %d rows, want 1", len(rows))
			}
			if rows[0].Deleted != tc.wantDeleted {
				t.Errorf("Deleted = %d, want %d", rows[0].Deleted, tc.wantDeleted)
			}
			if rows[0].ToDelete != tc.wantToDelete {
				t.Errorf("ToDelete = %d, want %d", rows[0].ToDelete, tc.wantToDelete)
			}
		})
	}
}

func TestSyncBaselineRerunIsIdempotent(t *testing.T) {
	content := []byte("stable body")
	lastmod := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/res1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	root := t.TempDir()
	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{URI: srv.URL + "/res1", HasLength: true, Length: int64(len(content)), HasLastmod: true, Lastmod: lastmod},
		},
	}

	s1, _ := newTestSyncer(t, srv, root, Options{})
	if err := s1.SyncBaseline(srv.URL+"/resourcelist.xml", doc); err != nil {
		t.Fatalf("first SyncBaseline: %v", err)
	}

	s2, rep := newTestSyncer(t, srv, root, Options{})
	if err := s2.SyncBaseline(srv.URL+"/resourcelist.xml", doc); err != nil {
		t.Fatalf("second SyncBaseline: %v", err)
	}

	rows := rep.Reset()
	if len(rows) != 1 {
		t.Fatalf("got %d rows on rerun, want 1 (audit only, nothing to apply)", len(rows))
	}
	if rows[0].Same != 1 || rows[0].Created != 0 || rows[0].Updated != 0 || rows[0].Deleted != 0 {
		t.Errorf("rerun row = same %d created %d updated %d deleted %d, want 1/0/0/0",
			rows[0].Same, rows[0].Created, rows[0].Updated, rows[0].Deleted)
	}
}

func TestSyncIncrementalAdvancesStateMonotonically(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	root := t.TempDir()
	s, _ := newTestSyncer(t, srv, root, Options{})

	uri := srv.URL + "/changelist.xml"
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := &sitemap.Document{
		Resources: []sitemap.Resource{
			{URI: srv.URL + "/res1", Change: sitemap.ChangeDeleted, MDAt: t1, HasMDAt: true},
		},
	}

	if err := s.SyncIncremental(uri, doc); err != nil {
		t.Fatalf("SyncIncremental: %v", err)
	}
	if got := s.state.LastSynced(uri); !got.Equal(t1) {
		t.Errorf("LastSynced = %v, want %v", got, t1)
	}
}
