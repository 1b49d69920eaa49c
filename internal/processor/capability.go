package processor

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/sitemap"
)

// CapaProc handles the capabilitylist capability: not
// strictly a relay, since it dispatches children by their own declared
// capability rather than by index/urlset shape.
type CapaProc struct {
	Base
	newCapaProc       func(uri string) *CapaProc
	newResListProc    func(uri string) *ResListProc
	newDumpProc       func(uri string) *DumpProc
	newChangeListProc func(uri string) *ChangeListProc
}

// CapaProcFactories bundles the child-constructor callbacks CapaProc needs
// for every capability it may dispatch to.
type CapaProcFactories struct {
	NewCapaProc       func(uri string) *CapaProc
	NewResListProc    func(uri string) *ResListProc
	NewDumpProc       func(uri string) *DumpProc
	NewChangeListProc func(uri string) *ChangeListProc
}

// NewCapaProc returns a CapaProc wired to factories for every capability
// a capability list entry may declare.
func NewCapaProc(sourceURI string, f *fetch.Fetcher, listeners []listener.SitemapReceived, guard *Guard, log *zap.SugaredLogger, factories CapaProcFactories) *CapaProc {
	return &CapaProc{
		Base:              NewBase(sourceURI, sitemap.CapabilityCapabilityList, f, listeners, guard, log),
		newCapaProc:       factories.NewCapaProc,
		newResListProc:    factories.NewResListProc,
		newDumpProc:       factories.NewDumpProc,
		newChangeListProc: factories.NewChangeListProc,
	}
}

// ProcessSource implements Processor, dispatching by child capability:
// capabilitylist recurses, resourcelist -> ResListProc, resourcedump ->
// DumpProc, changelist -> ChangeListProc, changedump is accepted but
// no-ops, anything else is logged as an exception.
func (p *CapaProc) ProcessSource() error {
	if !p.enter() {
		return multierr.Combine(p.exceptions...)
	}

	doc, err := p.ensureLoaded()
	if err != nil {
		return p.finish()
	}

	for _, entry := range doc.Resources {
		var child Processor
		switch entry.Capability {
		case sitemap.CapabilityCapabilityList:
			child = p.newCapaProc(entry.URI)
		case sitemap.CapabilityResourceList:
			child = p.newResListProc(entry.URI)
		case sitemap.CapabilityResourceDump:
			child = p.newDumpProc(entry.URI)
		case sitemap.CapabilityChangeList:
			child = p.newChangeListProc(entry.URI)
		case sitemap.CapabilityChangeDump:
			p.log.Infow("changedump entry accepted as a no-op", "uri", entry.URI)
			continue
		default:
			p.addException(fmt.Errorf("processor: capability list entry %s declares unsupported capability %q", entry.URI, entry.Capability))
			continue
		}

		child.setDepth(p.depth + 1)
		_ = child.ProcessSource()
		p.exceptions = append(p.exceptions, child.Exceptions()...)
	}
	return p.finish()
}
