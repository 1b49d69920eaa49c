package listener

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/EHRI/resydes/internal/locationmapper"
)

// SitemapsInfix is the fixed infix directory SitemapArchiver writes under.
const SitemapsInfix = "sitemaps"

// SitemapArchiver is a SitemapReceived listener that writes every fetched
// sitemap's raw bytes to disk under the mapped local destination, in a
// sitemaps/ infix directory, so an operator can inspect exactly what was
// last retrieved from a Source.
type SitemapArchiver struct {
	destMap     *locationmapper.DestinationMap
	defaultDest string
	useHost     bool
}

// NewSitemapArchiver returns a SitemapArchiver resolving paths through m.
func NewSitemapArchiver(m *locationmapper.DestinationMap, defaultDest string, useHost bool) *SitemapArchiver {
	return &SitemapArchiver{destMap: m, defaultDest: defaultDest, useHost: useHost}
}

// SitemapReceived implements SitemapReceived.
func (a *SitemapArchiver) SitemapReceived(uri string, capability string, rawText []byte) error {
	_, path, ok := a.destMap.FindLocalPath(uri, a.defaultDest, a.useHost, SitemapsInfix)
	if !ok {
		return fmt.Errorf("sitemap archiver: no destination for %s", uri)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sitemap archiver: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, rawText, 0o644); err != nil {
		return fmt.Errorf("sitemap archiver: write %s: %w", path, err)
	}
	return nil
}
