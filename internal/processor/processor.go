// Package processor implements the Processor family: the common
// readSource/processSource contract, the relay behavior shared by every
// capability that admits an index form, and the per-capability leaf
// behaviors (SourceDescProc, CapaProc, ResListProc, ChangeListProc,
// DumpProc).
package processor

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/sitemap"
)

// DefaultMaxTraversalDepth bounds index nesting when no explicit limit is
// configured.
const DefaultMaxTraversalDepth = 8

var errAlreadyVisited = errors.New("already visited")

// Guard bounds the recursive sitemap traversal of one cycle: a visited-URI
// set prevents cycles from pathological Sources, and a depth cap stops
// runaway index nesting. Safe for concurrent use by parallel workers.
type Guard struct {
	mu       sync.Mutex
	maxDepth int
	visited  map[string]bool
}

// NewGuard returns a Guard capped at maxDepth levels of nesting;
// non-positive values select DefaultMaxTraversalDepth.
func NewGuard(maxDepth int) *Guard {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxTraversalDepth
	}
	return &Guard{maxDepth: maxDepth, visited: make(map[string]bool)}
}

func (g *Guard) admit(uri string, depth int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if depth > g.maxDepth {
		return fmt.Errorf("processor: traversal depth %d exceeds limit %d at %s", depth, g.maxDepth, uri)
	}
	if g.visited[uri] {
		return errAlreadyVisited
	}
	g.visited[uri] = true
	return nil
}

// Status is a processor's lifecycle state.
type Status string

const (
	StatusInit                    Status = "Init"
	StatusReadError               Status = "ReadError"
	StatusDocument                Status = "Document"
	StatusProcessedWithExceptions Status = "ProcessedWithExceptions"
	StatusProcessed               Status = "Processed"
)

// Processor is satisfied by every concrete leaf/relay processor. ReadSource
// fetches, parses, and verifies the capability; ProcessSource dispatches
// the now-loaded document; both are idempotent.
type Processor interface {
	SourceURI() string
	Status() Status
	Exceptions() []error
	ReadSource() error
	ProcessSource() error

	setDepth(depth int)
}

// Base holds the state every concrete processor owns: the source URI,
// the expected capability, the lifecycle status, and the accumulated
// exception list.
type Base struct {
	sourceURI          string
	expectedCapability sitemap.Capability
	status             Status
	exceptions         []error
	doc                *sitemap.Document
	depth              int

	fetcher   *fetch.Fetcher
	listeners []listener.SitemapReceived
	guard     *Guard
	log       *zap.SugaredLogger
}

// NewBase constructs the shared state for a concrete processor. guard may
// be nil, which disables traversal bounding (tests exercising a single
// processor).
func NewBase(sourceURI string, expected sitemap.Capability, f *fetch.Fetcher, listeners []listener.SitemapReceived, guard *Guard, log *zap.SugaredLogger) Base {
	return Base{
		sourceURI:          sourceURI,
		expectedCapability: expected,
		status:             StatusInit,
		fetcher:            f,
		listeners:          listeners,
		guard:              guard,
		log:                log,
	}
}

func (b *Base) SourceURI() string   { return b.sourceURI }
func (b *Base) Status() Status      { return b.status }
func (b *Base) Exceptions() []error { return b.exceptions }

func (b *Base) setDepth(depth int) { b.depth = depth }

// enter admits this processor into the cycle's traversal. A repeated URI
// is skipped quietly; an exceeded depth is recorded as an exception. The
// return value tells the caller whether to proceed.
func (b *Base) enter() bool {
	if b.guard == nil {
		return true
	}

	err := b.guard.admit(b.sourceURI, b.depth)
	if err == nil {
		return true
	}
	if errors.Is(err, errAlreadyVisited) {
		b.log.Debugw("sitemap already visited in this cycle, skipping", "uri", b.sourceURI)
		b.status = StatusProcessed
		return false
	}
	b.addException(err)
	b.status = StatusProcessedWithExceptions
	return false
}

func (b *Base) addException(err error) {
	b.exceptions = append(b.exceptions, err)
}

// ReadSource implements the common readSource() contract: fetch, parse,
// verify capability, and on success fan the raw bytes out to every
// registered "sitemap received" listener.
func (b *Base) ReadSource() error {
	_, body, err := b.fetcher.GetText(b.sourceURI)
	if err != nil {
		b.status = StatusReadError
		b.addException(err)
		return fmt.Errorf("processor: read %s: %w", b.sourceURI, err)
	}

	doc, err := sitemap.Parse(body, b.expectedCapability)
	if err != nil {
		b.status = StatusReadError
		b.addException(err)
		return fmt.Errorf("processor: parse %s: %w", b.sourceURI, err)
	}

	b.doc = doc
	b.status = StatusDocument

	var listenerErrs error
	for _, l := range b.listeners {
		if err := l.SitemapReceived(b.sourceURI, string(b.expectedCapability), body); err != nil {
			listenerErrs = multierr.Append(listenerErrs, err)
		}
	}
	if listenerErrs != nil {
		b.log.Warnw("sitemap received listener failed", "uri", b.sourceURI, "err", listenerErrs)
	}
	return nil
}

// ensureLoaded implements "processSource() idempotently ensures the
// document is loaded": a processor already in StatusInit reads first.
func (b *Base) ensureLoaded() (*sitemap.Document, error) {
	if b.status == StatusInit {
		if err := b.ReadSource(); err != nil {
			return nil, err
		}
	}
	if b.doc == nil {
		return nil, fmt.Errorf("processor: %s has no document (status %s)", b.sourceURI, b.status)
	}
	return b.doc, nil
}

// finish transitions status to Processed or ProcessedWithExceptions based
// on whether any exceptions were accumulated during this branch.
func (b *Base) finish() error {
	if len(b.exceptions) > 0 {
		b.status = StatusProcessedWithExceptions
		return multierr.Combine(b.exceptions...)
	}
	b.status = StatusProcessed
	return nil
}

// relay implements the shared relay behavior: if the
// loaded document is an index, recurse via childFor on every entry whose
// capability equals the parent's expected capability, logging any other
// entry's capability as an exception; otherwise call processLower.
func relay(b *Base, childFor func(uri string) Processor, processLower func(*sitemap.Document) error) error {
	if !b.enter() {
		return multierr.Combine(b.exceptions...)
	}

	doc, err := b.ensureLoaded()
	if err != nil {
		return b.finish()
	}

	if !doc.IsIndex {
		if err := processLower(doc); err != nil {
			b.addException(err)
		}
		return b.finish()
	}

	for _, entry := range doc.Resources {
		if entry.Capability != b.expectedCapability {
			b.addException(fmt.Errorf("processor: index entry %s declares capability %q, want %q", entry.URI, entry.Capability, b.expectedCapability))
			continue
		}
		child := childFor(entry.URI)
		child.setDepth(b.depth + 1)
		_ = child.ProcessSource()
		b.exceptions = append(b.exceptions, child.Exceptions()...)
	}

	return b.finish()
}
