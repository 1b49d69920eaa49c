package processor

import (
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/sitemap"
	"github.com/EHRI/resydes/internal/syncer"
)

// ResListProc handles the resourcelist capability:
// processLower() -> Syncer.syncBaseline(sourceUri). It is a RelayProcessor:
// a resourcelist sitemap may itself be an index over further resourcelist
// parts.
type ResListProc struct {
	Base
	syncer   *syncer.Syncer
	newChild func(uri string) *ResListProc
}

// NewResListProc returns a ResListProc.
func NewResListProc(sourceURI string, f *fetch.Fetcher, listeners []listener.SitemapReceived, guard *Guard, log *zap.SugaredLogger, s *syncer.Syncer, newChild func(uri string) *ResListProc) *ResListProc {
	return &ResListProc{
		Base:     NewBase(sourceURI, sitemap.CapabilityResourceList, f, listeners, guard, log),
		syncer:   s,
		newChild: newChild,
	}
}

// ProcessSource implements Processor via the shared RelayProcessor helper.
func (p *ResListProc) ProcessSource() error {
	return relay(&p.Base,
		func(uri string) Processor { return p.newChild(uri) },
		func(doc *sitemap.Document) error { return p.syncer.SyncBaseline(p.sourceURI, doc) },
	)
}
