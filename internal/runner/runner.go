// Package runner implements the Destination's main loop:
// read the source list, reload the destination map, dispatch a root
// processor per source, serialize the report, and wait out the inter-cycle
// pause while watching for the stop signal.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/config"
	"github.com/EHRI/resydes/internal/discovery"
	"github.com/EHRI/resydes/internal/dump"
	"github.com/EHRI/resydes/internal/fetch"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/locationmapper"
	"github.com/EHRI/resydes/internal/processor"
	"github.com/EHRI/resydes/internal/reporter"
	"github.com/EHRI/resydes/internal/sitemap"
	"github.com/EHRI/resydes/internal/sourcelist"
	"github.com/EHRI/resydes/internal/syncer"
	"github.com/EHRI/resydes/internal/syncstate"
)

// Task selects the root processor built for each source.
type Task string

const (
	TaskDiscover   Task = "discover"
	TaskWellKnown  Task = "wellknown"
	TaskCapability Task = "capability"
)

// ParseTask validates a task name from the command line. An unrecognized
// task is a usage error.
func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case TaskDiscover, TaskWellKnown, TaskCapability:
		return Task(s), nil
	}
	return "", fmt.Errorf("unknown task %q (want discover, wellknown or capability)", s)
}

const (
	// stopFileName is the literal file name whose presence in the working
	// directory requests a clean exit.
	stopFileName = "stop"

	// stopPollInterval is how often the inter-cycle pause re-checks the
	// stop file, keeping the sleep interruptible.
	stopPollInterval = time.Second

	defaultSyncPause      = 3600
	defaultHTTPTimeout    = 30 * time.Second
	defaultStateFile      = "resydes-state.json"
	defaultReportFile     = "sync-status.csv"
	sitemapWriterListener = "SitemapWriter"
)

// Runner drives the cycle loop. Configuration is loaded once at startup;
// the source list and destination map are dropped and re-read at the top
// of every cycle.
type Runner struct {
	cfg         *config.Config
	sourcesFile string
	task        Task
	once        bool
	registry    *listener.Registry
	fetcher     *fetch.Fetcher
	state       *syncstate.State
	workDir     string
	log         *zap.SugaredLogger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Runner. The SyncState file is loaded here, before the loop
// starts, so an unreadable state file surfaces as a startup error rather
// than silently re-baselining every source.
func New(cfg *config.Config, sourcesFile string, task Task, once bool, registry *listener.Registry, log *zap.SugaredLogger) (*Runner, error) {
	state, err := syncstate.Load(cfg.Prop(config.KeyStateFile, defaultStateFile))
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:         cfg,
		sourcesFile: sourcesFile,
		task:        task,
		once:        once,
		registry:    registry,
		fetcher:     fetch.New(defaultHTTPTimeout),
		state:       state,
		workDir:     ".",
		log:         log.With("component", "runner"),
		stopCh:      make(chan struct{}),
	}, nil
}

// Stop requests a clean exit at the next safe point: between sources
// within a cycle, or immediately during the inter-cycle pause. Safe to
// call from any goroutine, more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Run executes cycles until the once flag, the stop file, or Stop ends the
// loop. A failed cycle is logged and retried next cycle; only startup
// configuration problems are fatal.
func (r *Runner) Run() error {
	for {
		if err := r.cycle(); err != nil {
			r.log.Errorw("cycle completed with errors", "err", err)
		}

		if r.once {
			return nil
		}
		if r.stopRequested() {
			r.log.Infow("stop requested, exiting")
			return nil
		}
		if !r.pause() {
			r.log.Infow("stop requested during pause, exiting")
			return nil
		}
		if r.stopRequested() {
			r.log.Infow("stop requested, exiting")
			return nil
		}
	}
}

// cycle is one pass of the loop body. Per-source failures are
// accumulated, never propagated in a way that aborts the cycle.
func (r *Runner) cycle() error {
	sources, err := sourcelist.Load(r.sourcesFile)
	if err != nil {
		return fmt.Errorf("runner: read sources: %w", err)
	}

	destMap, err := r.loadDestinationMap()
	if err != nil {
		return fmt.Errorf("runner: reload destination map: %w", err)
	}

	defaultDest := ""
	useNetloc := r.cfg.BoolProp(config.KeyUseNetloc, false)
	auditOnly := r.cfg.BoolProp(config.KeyAuditOnly, false)

	// The archiver depends on this cycle's map, so it is (re)registered
	// here before configured names are resolved.
	r.registry.RegisterProcessorListener(sitemapWriterListener,
		listener.NewSitemapArchiver(destMap, defaultDest, useNetloc))

	procListeners, err := r.registry.ProcessorListeners(r.cfg.ListProp(config.KeyDesProcessorListeners))
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	dumpListeners, err := r.registry.DumpListeners(r.cfg.ListProp(config.KeyDesDumpListeners))
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	rep := reporter.New()
	syn := syncer.New(r.fetcher, destMap, r.state, rep, syncer.Options{
		DefaultDest: defaultDest,
		UseNetloc:   useNetloc,
		UseChecksum: r.cfg.BoolProp(config.KeyUseChecksum, false),
		AuditOnly:   auditOnly,
	}, r.log)
	unpacker := dump.New(r.fetcher, destMap, dumpListeners, dump.Options{
		DefaultDest: defaultDest,
		UseNetloc:   useNetloc,
		AuditOnly:   auditOnly,
	}, os.TempDir(), r.log)

	pf := &procFactory{
		fetcher:   r.fetcher,
		listeners: procListeners,
		guard:     processor.NewGuard(r.cfg.IntProp(config.KeyTraversalMaxDepth, processor.DefaultMaxTraversalDepth)),
		log:       r.log,
		syncer:    syn,
		unpacker:  unpacker,
		state:     r.state,
	}
	disc := discovery.New(r.fetcher, r.log)

	workers := r.cfg.IntProp(config.KeyWorkerCount, 1)
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, src := range sources {
		sem <- struct{}{}
		if r.stopRequested() {
			<-sem
			break
		}
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			defer func() { <-sem }()
			r.processSource(src, disc, pf, rep)
		}(src)
	}
	wg.Wait()

	var errs error
	if err := r.state.Flush(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := r.writeReport(rep); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// processSource builds and runs the root processor for one source URI.
// Any failure ends up in the Reporter: one source's
// failure never aborts the cycle.
func (r *Runner) processSource(src string, disc *discovery.Discoverer, pf *procFactory, rep *reporter.Reporter) {
	var proc processor.Processor

	switch r.task {
	case TaskDiscover:
		res, ok := disc.Discover(src)
		if !ok {
			rep.Record(reporter.Status{
				WallTime:  time.Now(),
				URI:       src,
				Exception: "discovery failed: no ResourceSync entry point found",
				Origin:    "discovery",
			})
			return
		}
		proc = pf.forCapability(res)
		if proc == nil {
			rep.Record(reporter.Status{
				WallTime:  time.Now(),
				URI:       src,
				Exception: fmt.Sprintf("discovery yielded unsupported capability %q at %s", res.Capability, res.URI),
				Origin:    "discovery",
			})
			return
		}
	case TaskWellKnown:
		proc = pf.newSourceDesc(wellKnownURI(src))
	case TaskCapability:
		proc = pf.newCapa(src)
	default:
		rep.Record(reporter.Status{
			WallTime:  time.Now(),
			URI:       src,
			Exception: fmt.Sprintf("unknown task %q", r.task),
			Origin:    "runner",
		})
		return
	}

	_ = proc.ProcessSource()

	if exs := proc.Exceptions(); len(exs) > 0 {
		rep.Record(reporter.Status{
			WallTime:  time.Now(),
			URI:       src,
			Exception: multierr.Combine(exs...).Error(),
			Origin:    "processor",
		})
	}
}

func (r *Runner) loadDestinationMap() (*locationmapper.DestinationMap, error) {
	root := r.cfg.Prop(config.KeyDestinationRoot, "")
	mapFile, ok := r.cfg.PropOptional(config.KeyLocationMapperDestinationFile)
	if !ok {
		return locationmapper.New(nil, nil, root), nil
	}
	return locationmapper.LoadFile(mapFile, root)
}

// writeReport serializes and resets the Reporter. The
// report file holds the most recent cycle's rows.
func (r *Runner) writeReport(rep *reporter.Reporter) error {
	rows := rep.Reset()
	path := r.cfg.Prop(config.KeySyncStatusReportFile, defaultReportFile)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("runner: create report %q: %w", path, err)
	}
	if err := reporter.WriteCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// pause waits out sync_pause seconds, returning false if the stop file
// appears or Stop is called in the meantime, the interruptible
// sleep requirement.
func (r *Runner) pause() (resumed bool) {
	d := time.Duration(r.cfg.IntProp(config.KeySyncPause, defaultSyncPause)) * time.Second

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	poll := time.NewTicker(stopPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-r.stopCh:
			return false
		case <-deadline.C:
			return true
		case <-poll.C:
			if r.stopFilePresent() {
				return false
			}
		}
	}
}

func (r *Runner) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
	}
	return r.stopFilePresent()
}

func (r *Runner) stopFilePresent() bool {
	_, err := os.Stat(filepath.Join(r.workDir, stopFileName))
	return err == nil
}

// wellKnownURI appends the ResourceSync well-known path to a bare source
// URI for the wellknown task.
func wellKnownURI(src string) string {
	return strings.TrimSuffix(src, "/") + "/.well-known/resourcesync"
}

// procFactory wires the per-cycle collaborators into the processor
// constructors, giving every processor the same closure set for spawning
// children.
type procFactory struct {
	fetcher   *fetch.Fetcher
	listeners []listener.SitemapReceived
	guard     *processor.Guard
	log       *zap.SugaredLogger
	syncer    *syncer.Syncer
	unpacker  *dump.Unpacker
	state     *syncstate.State
}

// forCapability picks the root processor matching a discovery result:
// description, capabilitylist and resourcelist are the capabilities the
// five discovery steps can land on.
func (pf *procFactory) forCapability(res discovery.Result) processor.Processor {
	switch res.Capability {
	case sitemap.CapabilityDescription:
		return pf.newSourceDesc(res.URI)
	case sitemap.CapabilityCapabilityList:
		return pf.newCapa(res.URI)
	case sitemap.CapabilityResourceList:
		return pf.newResList(res.URI)
	}
	return nil
}

func (pf *procFactory) newSourceDesc(uri string) *processor.SourceDescProc {
	return processor.NewSourceDescProc(uri, pf.fetcher, pf.listeners, pf.guard, pf.log, pf.newCapa)
}

func (pf *procFactory) newCapa(uri string) *processor.CapaProc {
	return processor.NewCapaProc(uri, pf.fetcher, pf.listeners, pf.guard, pf.log, processor.CapaProcFactories{
		NewCapaProc:       pf.newCapa,
		NewResListProc:    pf.newResList,
		NewDumpProc:       pf.newDump,
		NewChangeListProc: pf.newChangeList,
	})
}

func (pf *procFactory) newResList(uri string) *processor.ResListProc {
	return processor.NewResListProc(uri, pf.fetcher, pf.listeners, pf.guard, pf.log, pf.syncer, pf.newResList)
}

func (pf *procFactory) newChangeList(uri string) *processor.ChangeListProc {
	return processor.NewChangeListProc(uri, pf.fetcher, pf.listeners, pf.guard, pf.log, pf.syncer, pf.newChangeList)
}

func (pf *procFactory) newDump(uri string) *processor.DumpProc {
	return processor.NewDumpProc(uri, pf.fetcher, pf.listeners, pf.guard, pf.log, pf.unpacker, pf.state)
}
