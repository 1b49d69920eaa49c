// Package dump implements DumpUnpack: download, extract,
// parse the manifest, and reconcile a packaged ResourceSync dump against
// the local mirror, always cleaning up its temp files and directories.
package dump

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/locationmapper"
	"github.com/EHRI/resydes/internal/sitemap"
)

// Kind classifies a DumpUnpack failure by the stage it occurred in.
type Kind string

const (
	KindDownload   Kind = "DownloadError"
	KindUnzip      Kind = "UnzipError"
	KindParse      Kind = "ParseError"
	KindProcessing Kind = "ProcessingError"
)

// Error reports a classified DumpUnpack failure.
type Error struct {
	Kind  Kind
	URI   string
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("dump %s (%s): %v", e.URI, e.Kind, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// Options carries the policy knobs DumpUnpack needs from DestinationMap
// resolution, mirroring syncer.Options.
type Options struct {
	DefaultDest string
	UseNetloc   bool
	AuditOnly   bool
}

// Unpacker performs DumpUnpack for a single packaged dump URI.
type Unpacker struct {
	fetcher   *fetch.Fetcher
	destMap   *locationmapper.DestinationMap
	listeners []listener.DumpManifestReceived
	opts      Options
	tempDir   string
	log       *zap.SugaredLogger
}

// New returns an Unpacker. tempDir is the directory unique temp files and
// directories are created under (os.TempDir() in production, t.TempDir()
// in tests).
func New(f *fetch.Fetcher, destMap *locationmapper.DestinationMap, listeners []listener.DumpManifestReceived, opts Options, tempDir string, log *zap.SugaredLogger) *Unpacker {
	return &Unpacker{fetcher: f, destMap: destMap, listeners: listeners, opts: opts, tempDir: tempDir, log: log.With("component", "dump")}
}

// Unpack downloads, extracts and reconciles the packaged dump at
// dumpURI. Cleanup of the temp file and temp directory happens on every
// exit path, including failure.
func (u *Unpacker) Unpack(dumpURI string, capability sitemap.Capability) error {
	tmpFile, err := u.downloadToTemp(dumpURI)
	if err != nil {
		return &Error{Kind: KindDownload, URI: dumpURI, Cause: err}
	}
	defer os.Remove(tmpFile)

	extractDir, err := u.extractToTemp(tmpFile)
	if err != nil {
		return &Error{Kind: KindUnzip, URI: dumpURI, Cause: err}
	}
	defer os.RemoveAll(extractDir)

	manifestPath := filepath.Join(extractDir, "manifest.xml")
	manifestXML, err := os.ReadFile(manifestPath)
	if err != nil {
		return &Error{Kind: KindParse, URI: dumpURI, Cause: fmt.Errorf("read manifest.xml: %w", err)}
	}

	doc, err := sitemap.Parse(manifestXML, "")
	if err != nil {
		return &Error{Kind: KindParse, URI: dumpURI, Cause: err}
	}
	if doc.Capability != sitemap.CapabilityResourceDumpManifest {
		u.log.Warnw("dump manifest capability not handled, skipping", "uri", dumpURI, "capability", doc.Capability)
		return nil
	}

	for _, l := range u.listeners {
		if err := l.DumpManifestReceived(dumpURI, string(capability), manifestXML); err != nil {
			u.log.Warnw("dump manifest listener failed", "uri", dumpURI, "err", err)
		}
	}

	if err := u.reconcile(dumpURI, extractDir, doc); err != nil {
		return &Error{Kind: KindProcessing, URI: dumpURI, Cause: err}
	}
	return nil
}

func (u *Unpacker) downloadToTemp(uri string) (string, error) {
	path := filepath.Join(u.tempDir, "dump-"+uuid.NewString())
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	status, err := u.fetcher.Download(uri, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("download (status %d): %w", status, err)
	}
	if closeErr != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", closeErr)
	}
	return path, nil
}

func (u *Unpacker) extractToTemp(zipPath string) (string, error) {
	dir := filepath.Join(u.tempDir, "dump-extract-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir extract dir: %w", err)
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractOne(dir, f); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

// extractOne extracts a single zip entry under dir, rejecting any entry
// whose name would escape dir (zip-slip).
func extractOne(dir string, f *zip.File) error {
	target := filepath.Join(dir, f.Name)
	if !isWithin(dir, target) {
		return fmt.Errorf("zip entry %q escapes extraction directory", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return nil
}

func isWithin(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// reconcile resolves the local destination via DestinationMap, compares
// manifest entries against the current local state, and applies
// creates/updates/deletes unless audit-only: entries the manifest lists
// are copied into place, and files on disk that the manifest no longer
// lists are removed. A manifest entry's content inside the extracted
// archive is named by its linkset "contents" href when present, else by
// loc.
func (u *Unpacker) reconcile(dumpURI string, extractDir string, doc *sitemap.Document) error {
	keep := make(map[string]struct{}, len(doc.Resources))

	for _, entry := range doc.Resources {
		remoteURI := entry.URI
		_, localPath, ok := u.destMap.FindLocalPath(remoteURI, u.opts.DefaultDest, u.opts.UseNetloc, "")
		if !ok {
			u.log.Warnw("no destination for dump manifest entry", "uri", remoteURI)
			continue
		}
		keep[localPath] = struct{}{}

		if u.opts.AuditOnly {
			continue
		}

		srcPath := filepath.Join(extractDir, filepath.FromSlash(entry.URI))
		if entry.LinkSet != nil && entry.LinkSet.Contents != "" {
			srcPath = filepath.Join(extractDir, filepath.FromSlash(entry.LinkSet.Contents))
		}

		if err := copyIntoPlace(srcPath, localPath); err != nil {
			u.log.Warnw("apply dump entry failed", "uri", remoteURI, "err", err)
			continue
		}
	}

	if u.opts.AuditOnly {
		return nil
	}

	destDir, ok := u.deleteRoot(dumpURI, doc)
	if !ok {
		return nil
	}
	return u.removeStale(destDir, keep)
}

// deleteRoot resolves the directory the stale-file sweep runs under: the
// mapped destination of the manifest's entries (they share one
// DestinationMap base), falling back to the dump URI's own mapping for an
// empty manifest.
func (u *Unpacker) deleteRoot(dumpURI string, doc *sitemap.Document) (string, bool) {
	if len(doc.Resources) > 0 {
		if _, dir, ok := u.destMap.FindDestination(doc.Resources[0].URI, u.opts.DefaultDest, u.opts.UseNetloc, ""); ok && dir != "" {
			return dir, true
		}
	}
	_, dir, ok := u.destMap.FindDestination(dumpURI, u.opts.DefaultDest, u.opts.UseNetloc, "")
	return dir, ok && dir != ""
}

// removeStale deletes every file under destDir the manifest did not list.
// The archived-sitemaps infix directory is left alone.
func (u *Unpacker) removeStale(destDir string, keep map[string]struct{}) error {
	return filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
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
		if _, ok := keep[path]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			u.log.Warnw("remove stale dump file failed", "path", path, "err", err)
		}
		return nil
	})
}

func copyIntoPlace(srcPath string, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp := dstPath + ".tmp-" + uuid.NewString()
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open extracted entry: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
