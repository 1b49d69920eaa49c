package processor

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/dump"
	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/sitemap"
	"github.com/EHRI/resydes/internal/syncstate"
)

// DumpProc handles the resourcedump capability: gates on
// SyncState (skip if the document's mdAt is not newer than last-synced),
// otherwise unpacks every packaged-dump entry and advances SyncState to
// mdAt on full success.
type DumpProc struct {
	Base
	unpacker *dump.Unpacker
	state    *syncstate.State
}

// NewDumpProc returns a DumpProc.
func NewDumpProc(sourceURI string, f *fetch.Fetcher, listeners []listener.SitemapReceived, guard *Guard, log *zap.SugaredLogger, unpacker *dump.Unpacker, state *syncstate.State) *DumpProc {
	return &DumpProc{
		Base:     NewBase(sourceURI, sitemap.CapabilityResourceDump, f, listeners, guard, log),
		unpacker: unpacker,
		state:    state,
	}
}

// ProcessSource implements Processor.
func (p *DumpProc) ProcessSource() error {
	if !p.enter() {
		return multierr.Combine(p.exceptions...)
	}

	doc, err := p.ensureLoaded()
	if err != nil {
		return p.finish()
	}

	lastSynced := p.state.LastSynced(p.sourceURI)
	if doc.HasMDAt && !doc.MDAt.After(lastSynced) {
		p.log.Infow("resourcedump in sync, nothing to do", "uri", p.sourceURI)
		return p.finish()
	}

	var errs error
	for _, entry := range doc.Resources {
		// the contents link, when present, names the packaged artifact
		uri := entry.URI
		if entry.LinkSet != nil && entry.LinkSet.Contents != "" {
			uri = entry.LinkSet.Contents
		}
		if err := p.unpacker.Unpack(uri, sitemap.CapabilityResourceDump); err != nil {
			errs = multierr.Append(errs, err)
			p.addException(err)
		}
	}

	if errs == nil && doc.HasMDAt {
		p.state.Advance(p.sourceURI, doc.MDAt)
	}

	return p.finish()
}
