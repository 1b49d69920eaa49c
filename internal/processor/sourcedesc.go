package processor

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/sitemap"
)

// SourceDescProc handles the description capability:
// processLower() iterates entries (which are capabilitylist URIs) and
// spawns a CapaProc per entry.
type SourceDescProc struct {
	Base
	newChild func(uri string) *CapaProc
}

// NewSourceDescProc returns a SourceDescProc. newCapaProc builds the child
// CapaProc for each capabilitylist entry the description enumerates.
func NewSourceDescProc(sourceURI string, f *fetch.Fetcher, listeners []listener.SitemapReceived, guard *Guard, log *zap.SugaredLogger, newCapaProc func(uri string) *CapaProc) *SourceDescProc {
	return &SourceDescProc{
		Base:     NewBase(sourceURI, sitemap.CapabilityDescription, f, listeners, guard, log),
		newChild: newCapaProc,
	}
}

// ProcessSource implements Processor. A description document is never an
// index in the RelayProcessor sense; it always enumerates capabilitylist
// entries directly.
func (p *SourceDescProc) ProcessSource() error {
	if !p.enter() {
		return multierr.Combine(p.exceptions...)
	}

	doc, err := p.ensureLoaded()
	if err != nil {
		return p.finish()
	}

	for _, entry := range doc.Resources {
		child := p.newChild(entry.URI)
		child.setDepth(p.depth + 1)
		_ = child.ProcessSource()
		p.exceptions = append(p.exceptions, child.Exceptions()...)
	}
	return p.finish()
}
