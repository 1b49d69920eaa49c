// Package syncer translates a parsed resource list or change list into
// local file operations: the baseline/audit algorithm
// (full reconciliation against a resource list) and the incremental
// algorithm (replay of a change list since last-synced time).
package syncer

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/locationmapper"
	"github.com/EHRI/resydes/internal/reporter"
	"github.com/EHRI/resydes/internal/sitemap"
	"github.com/EHRI/resydes/internal/syncstate"
)

// Options configures a Syncer's policy knobs, all sourced from
// configuration keys.
type Options struct {
	DefaultDest string
	UseNetloc   bool
	UseChecksum bool
	AuditOnly   bool
}

// Syncer is the engine that reconciles a remote list against a local
// mirror. It is constructed fresh per Runner cycle, not held as a
// process-wide singleton.
type Syncer struct {
	fetcher *fetch.Fetcher
	destMap *locationmapper.DestinationMap
	state   *syncstate.State
	rep     *reporter.Reporter
	opts    Options
	log     *zap.SugaredLogger

	// seen suppresses duplicate downloads across lists processed within a
	// single Runner cycle.
	seen map[string]bool
}

// New returns a Syncer wired to the given collaborators.
func New(f *fetch.Fetcher, destMap *locationmapper.DestinationMap, state *syncstate.State, rep *reporter.Reporter, opts Options, log *zap.SugaredLogger) *Syncer {
	return &Syncer{
		fetcher: f,
		destMap: destMap,
		state:   state,
		rep:     rep,
		opts:    opts,
		log:     log.With("component", "syncer"),
		seen:    make(map[string]bool),
	}
}

// remoteEntry is one resource list entry mapped to a local path.
type remoteEntry struct {
	uri     string
	path    string
	length  int64
	hasLen  bool
	lastmod time.Time
	hasMod  bool
	hash    *sitemap.Hash
}

// SyncBaseline reconciles the local mirror against a fetched and parsed
// resource list document whose entries already passed capability
// verification (the caller is ResListProc).
func (s *Syncer) SyncBaseline(sourceURI string, doc *sitemap.Document) error {
	remotes, mapErr := s.mapRemotes(doc)
	if mapErr != nil {
		return mapErr
	}

	localSet, err := s.enumerateLocal(sourceURI)
	if err != nil {
		return fmt.Errorf("syncer: enumerate local mirror for %s: %w", sourceURI, err)
	}

	same, updated, created, deleted := partition(remotes, localSet, s.opts.UseChecksum)

	auditInSync := len(updated) == 0 && len(created) == 0 && len(deleted) == 0
	s.rep.Record(reporter.Status{
		WallTime: now(),
		URI:      sourceURI,
		InSync:   &auditInSync,
		Audit:    true,
		Same:     len(same),
		Created:  len(created),
		Updated:  len(updated),
		Deleted:  len(deleted),
		ToDelete: len(deleted),
		Origin:   "baseline",
	})

	if s.opts.AuditOnly {
		return nil
	}
	if auditInSync {
		return nil
	}

	var errs error
	appliedCreated, appliedUpdated, appliedDeleted := 0, 0, 0
	for _, e := range append(append([]remoteEntry{}, created...), updated...) {
		if s.seen[e.uri] {
			continue
		}
		s.seen[e.uri] = true
		if err := s.downloadInto(e); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("syncer: apply %s: %w", e.uri, err))
			continue
		}
		if contains(created, e) {
			appliedCreated++
		} else {
			appliedUpdated++
		}
	}
	for path := range deleted {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("syncer: delete %s: %w", path, err))
			continue
		}
		appliedDeleted++
	}

	applicationInSync := errs == nil
	s.rep.Record(reporter.Status{
		WallTime:  now(),
		URI:       sourceURI,
		InSync:    &applicationInSync,
		Audit:     false,
		Same:      len(same),
		Created:   appliedCreated,
		Updated:   appliedUpdated,
		Deleted:   appliedDeleted,
		ToDelete:  len(deleted) - appliedDeleted,
		Exception: errString(errs),
		Origin:    "baseline",
	})

	return errs
}

// SyncIncremental replays a fetched and parsed change list against the
// local mirror, gated on the last-synced time.
func (s *Syncer) SyncIncremental(sourceURI string, doc *sitemap.Document) error {
	lastSynced := s.state.LastSynced(sourceURI)

	var applicable []sitemap.Resource
	for _, r := range doc.Resources {
		if r.HasMDAt && !r.MDAt.After(lastSynced) {
			continue
		}
		applicable = append(applicable, r)
	}

	if len(applicable) == 0 {
		inSync := true
		s.rep.Record(reporter.Status{
			WallTime:    now(),
			URI:         sourceURI,
			InSync:      &inSync,
			Incremental: true,
			Origin:      "incremental",
		})
		return nil
	}

	var errs error
	updated, deleted, toDelete := 0, 0, 0
	var maxAt time.Time
	hasMaxAt := false

	for _, r := range applicable {
		if s.seen[r.URI] {
			continue
		}
		s.seen[r.URI] = true

		_, path, ok := s.destMap.FindLocalPath(r.URI, s.opts.DefaultDest, s.opts.UseNetloc, "")
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("syncer: no destination for %s", r.URI))
			continue
		}

		switch r.Change {
		case sitemap.ChangeDeleted:
			toDelete++
			if s.opts.AuditOnly {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = multierr.Append(errs, fmt.Errorf("syncer: delete %s: %w", path, err))
				continue
			}
			deleted++
		default: // created and updated are both download-and-replace
			if s.opts.AuditOnly {
				continue
			}
			if err := s.downloadTo(r.URI, path); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("syncer: apply %s: %w", r.URI, err))
				continue
			}
			updated++
		}

		if r.HasMDAt && (!hasMaxAt || r.MDAt.After(maxAt)) {
			maxAt = r.MDAt
			hasMaxAt = true
		}
	}

	// inSync means "nothing to do"; having reached here, the change list
	// carried applicable work.
	inSync := false
	s.rep.Record(reporter.Status{
		WallTime:    now(),
		URI:         sourceURI,
		InSync:      &inSync,
		Incremental: true,
		Audit:       s.opts.AuditOnly,
		Updated:     updated,
		Deleted:     deleted,
		ToDelete:    toDelete,
		Exception:   errString(errs),
		Origin:      "incremental",
	})

	if errs != nil || s.opts.AuditOnly {
		return errs
	}

	if doc.HasCompleted {
		s.state.Advance(sourceURI, doc.MDCompleted)
	} else if hasMaxAt {
		s.state.Advance(sourceURI, maxAt)
	}
	return nil
}

func (s *Syncer) mapRemotes(doc *sitemap.Document) ([]remoteEntry, error) {
	var out []remoteEntry
	var errs error
	for _, r := range doc.Resources {
		_, path, ok := s.destMap.FindLocalPath(r.URI, s.opts.DefaultDest, s.opts.UseNetloc, "")
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("syncer: no destination for %s", r.URI))
			continue
		}
		out = append(out, remoteEntry{
			uri:     r.URI,
			path:    path,
			length:  r.Length,
			hasLen:  r.HasLength,
			lastmod: r.Lastmod,
			hasMod:  r.HasLastmod,
			hash:    r.Hash,
		})
	}
	return out, errs
}

// enumerateLocal walks the destination directory resolved from the
// resource list URI and returns the set of local file paths found there.
// The whole list shares one DestinationMap base, so a subtree the new
// list no longer mentions is still visited and ends up scheduled for
// deletion. The archived-sitemaps infix directory is left alone.
func (s *Syncer) enumerateLocal(sourceURI string) (map[string]struct{}, error) {
	local := make(map[string]struct{})

	_, destDir, ok := s.destMap.FindDestination(sourceURI, s.opts.DefaultDest, s.opts.UseNetloc, "")
	if !ok || destDir == "" {
		return local, nil
	}

	err := filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if info.Name() == listener.SitemapsInfix {
				return filepath.SkipDir
			}
			return nil
		}
		local[path] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return local, nil
}

// partition splits the remote set into same/updated/created/deleted.
func partition(remotes []remoteEntry, local map[string]struct{}, useChecksum bool) (same []remoteEntry, updated []remoteEntry, created []remoteEntry, deleted map[string]struct{}) {
	deleted = make(map[string]struct{})
	for p := range local {
		deleted[p] = struct{}{}
	}

	for _, r := range remotes {
		_, exists := local[r.path]
		if !exists {
			created = append(created, r)
			continue
		}
		delete(deleted, r.path)

		match := false
		if useChecksum && r.hash != nil {
			if digest, err := digestFile(r.path, r.hash.Algorithm); err == nil {
				match = digest == r.hash.Digest
			}
		} else if r.hasLen {
			if info, err := os.Stat(r.path); err == nil {
				match = info.Size() == r.length
				if match && r.hasMod {
					match = !info.ModTime().Before(r.lastmod) && !r.lastmod.Before(info.ModTime())
				}
			}
		} else {
			// No comparable metadata: treat presence as a match, conservatively
			// avoiding a re-download storm for resources lacking length/hash.
			match = true
		}

		if match {
			same = append(same, r)
		} else {
			updated = append(updated, r)
		}
	}

	return same, updated, created, deleted
}

func contains(entries []remoteEntry, e remoteEntry) bool {
	for _, c := range entries {
		if c.uri == e.uri {
			return true
		}
	}
	return false
}

// downloadInto streams e's remote content to a temp file alongside the
// target, then atomically renames into place. The stored file carries the
// remote lastmod, so a later length+lastmod comparison in partition finds
// it unchanged.
func (s *Syncer) downloadInto(e remoteEntry) error {
	if err := s.downloadTo(e.uri, e.path); err != nil {
		return err
	}
	if e.hasMod {
		if err := os.Chtimes(e.path, e.lastmod, e.lastmod); err != nil {
			return fmt.Errorf("set mtime: %w", err)
		}
	}
	return nil
}

func (s *Syncer) downloadTo(uri string, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	status, dlErr := s.fetcher.Download(uri, f)
	if dlErr != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download (status %d): %w", status, dlErr)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func digestFile(path string, algorithm string) (string, error) {
	var h hash.Hash
	switch algorithm {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	case "sha-256", "sha256":
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// now is overridden in tests needing deterministic timestamps.
var now = time.Now
