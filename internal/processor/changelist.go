package processor

import (
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/sitemap"
	"github.com/EHRI/resydes/internal/syncer"
)

// ChangeListProc handles the changelist capability:
// processLower() -> Syncer.syncIncremental(sourceUri). Like ResListProc, a
// change list may be an index over further change list parts.
type ChangeListProc struct {
	Base
	syncer   *syncer.Syncer
	newChild func(uri string) *ChangeListProc
}

// NewChangeListProc returns a ChangeListProc.
func NewChangeListProc(sourceURI string, f *fetch.Fetcher, listeners []listener.SitemapReceived, guard *Guard, log *zap.SugaredLogger, s *syncer.Syncer, newChild func(uri string) *ChangeListProc) *ChangeListProc {
	return &ChangeListProc{
		Base:     NewBase(sourceURI, sitemap.CapabilityChangeList, f, listeners, guard, log),
		syncer:   s,
		newChild: newChild,
	}
}

// ProcessSource implements Processor via the shared RelayProcessor helper.
func (p *ChangeListProc) ProcessSource() error {
	return relay(&p.Base,
		func(uri string) Processor { return p.newChild(uri) },
		func(doc *sitemap.Document) error { return p.syncer.SyncIncremental(p.sourceURI, doc) },
	)
}
