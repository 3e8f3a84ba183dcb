// Package engine composes the intern table, hot ring, bitmap/search
// indices, warm store, cold archive and sampler into the tiered engine
// of spec §4.6 (C7): it owns ingestion, background migration, and query
// resolution across tiers.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiertrace/tiertrace/internal/bitmapindex"
	"github.com/tiertrace/tiertrace/internal/coldarchive"
	"github.com/tiertrace/tiertrace/internal/config"
	"github.com/tiertrace/tiertrace/internal/errs"
	"github.com/tiertrace/tiertrace/internal/intern"
	"github.com/tiertrace/tiertrace/internal/locking"
	"github.com/tiertrace/tiertrace/internal/log"
	"github.com/tiertrace/tiertrace/internal/ring"
	"github.com/tiertrace/tiertrace/internal/sampler"
	"github.com/tiertrace/tiertrace/internal/search"
	"github.com/tiertrace/tiertrace/internal/warmstore"
	"github.com/tiertrace/tiertrace/trace"
)

// State is one of the engine's lifecycle states, per §4.6.
type State int32

const (
	Initializing State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "initializing"
	}
}

type migrationKind int

const (
	migrateHotToWarm migrationKind = iota
	migrateWarmToCold
	migrateCompact
)

type migrationRequest struct {
	kind migrationKind
	// done, if non-nil, is closed by handleMigration once this specific
	// request has been processed. Ingest uses it to wait (bounded by
	// ingest_block_timeout) for a ring-overflow migration to clear space
	// without running the migration itself; routine background requests
	// from sweepLoop leave it nil and fire-and-forget.
	done chan struct{}
}

// tier identifies which storage tier a deferred (tail-sampler-pending)
// span currently lives in, so an eventual Drop verdict knows which
// index set to unlink it from.
type tier uint8

const (
	hotTier tier = iota
	warmTier
)

type deferredRef struct {
	tier tier
	slot uint32
}

// Engine is the tiered span store and query surface. The zero value is
// not usable; construct with New.
type Engine struct {
	cfg *config.Config
	log log.Logger

	state atomic.Int32

	names *intern.Table

	hot       *ring.Ring
	hotIndex  *bitmapindex.Index
	hotSearch *search.Index

	warm       *warmstore.Store
	warmIndex  *bitmapindex.Index
	warmSearch *search.Index

	cold *coldarchive.Catalogue

	head    *sampler.HeadSampler
	tail    *sampler.TailSampler
	adapt   *sampler.AdaptiveController
	budget  *sampler.Budget
	pattern *sampler.PatternDetector

	attrMu      locking.RWMutex
	attrs       map[uint32]map[string]string
	nextAttrIdx atomic.Uint32

	deferMu       locking.Mutex
	deferredSlots map[trace.TraceID][]deferredRef

	// migMu serializes the three migration operations against each
	// other. It is only ever held by migrationLoop's single goroutine;
	// Ingest never acquires it directly, per §5's "the archival path is
	// always off the ingest thread".
	migMu locking.Mutex

	migrations chan migrationRequest
	errCh      chan error

	group  *errgroup.Group
	cancel context.CancelFunc

	droppedByHead atomic.Uint64
	droppedByTail atomic.Uint64
	invalidSpans  atomic.Uint64
}

// New constructs an Engine in the Initializing state. Call Start to run
// its background workers. A nil logger adopts the package-level default
// from internal/log.
func New(cfg *config.Config, logger log.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}

	warmPath := cfg.StorageDir + "/warm_storage.bin"
	warm, err := warmstore.Open(warmPath, cfg.WarmCapacity)
	if err != nil {
		return nil, fmt.Errorf("engine: open warm store: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		log:           logger,
		names:         intern.New(cfg.MaxInternEntries),
		hot:           ring.New(cfg.HotCapacity),
		hotIndex:      bitmapindex.New(0),
		hotSearch:     search.New(),
		warm:          warm,
		warmIndex:     bitmapindex.New(0),
		warmSearch:    search.New(),
		cold: coldarchive.NewCatalogue(cfg.StorageDir+"/cold", cfg.MaxTracesPerPartition, cfg.MaxPartitionSizeBytes,
			cfg.PartitionGranularity, cfg.CompressionLevel, cfg.SlowSpanThreshold),
		head:          sampler.NewHeadSampler(10000), // start wide open; the adaptive controller narrows it
		tail:          sampler.NewTailSampler(cfg.HotCapacity, 30*time.Second),
		budget:        sampler.NewBudget(cfg.MaxDiskBytes, cfg.MaxMemoryBytes),
		pattern:       sampler.NewPatternDetector(cfg.PatternWindow),
		attrs:         make(map[uint32]map[string]string),
		deferredSlots: make(map[trace.TraceID][]deferredRef),
		migrations:    make(chan migrationRequest, 64),
		errCh:         make(chan error, 256),
	}
	e.adapt = sampler.NewAdaptiveController(e.head, cfg.SamplingTargetTPS, cfg.SamplingErrorBoost)
	e.head.SetBudget(e.budget)
	e.tail.SetBudget(e.budget)
	e.tail.SetPattern(e.pattern)
	e.names.OnOverflow(func(name string) {
		e.log.Log(fmt.Sprintf("WARN: intern table overflow, name %q mapped to sentinel", name))
	})

	e.state.Store(int32(Initializing))
	return e, nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Start transitions the engine to Running and launches the migration and
// sweep workers. ctx governs their lifetime; cancel it (or call
// Shutdown) to stop the engine.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(Initializing), int32(Running)) {
		return fmt.Errorf("engine: Start called from state %s", e.State())
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	e.group = g

	g.Go(func() error { return e.migrationLoop(gctx) })
	g.Go(func() error { return e.sweepLoop(gctx) })

	e.log.Log("INFO: engine started")
	return nil
}

// Shutdown transitions the engine through Draining to Stopped: new
// ingests are refused, the migration worker finishes its queue and
// flushes warm/cold, then workers are joined within the grace period
// before being hard-aborted regardless, per §4.6/§4.7.
func (e *Engine) Shutdown(ctx context.Context, grace time.Duration) error {
	if !e.state.CompareAndSwap(int32(Running), int32(Draining)) {
		if e.State() == Stopped {
			return nil
		}
		return fmt.Errorf("engine: Shutdown called from state %s", e.State())
	}
	e.log.Log("INFO: engine draining")

	close(e.migrations)

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			e.log.Log(fmt.Sprintf("ERROR: migration worker exited with error: %v", err))
		}
	case <-time.After(grace):
		e.log.Log("WARN: shutdown grace period exceeded, aborting workers")
		e.cancel()
		<-done
	}

	if err := e.warm.Flush(); err != nil {
		e.log.Log(fmt.Sprintf("ERROR: final warm flush: %v", err))
	}
	if err := e.cold.FlushAll(); err != nil {
		e.log.Log(fmt.Sprintf("ERROR: final cold flush: %v", err))
	}
	if err := e.warm.Close(); err != nil {
		e.log.Log(fmt.Sprintf("ERROR: closing warm store: %v", err))
	}

	e.state.Store(int32(Stopped))
	e.log.Log("INFO: engine stopped")
	return nil
}

// requireRunning returns errs.ErrShuttingDown when the engine is not
// accepting new work, per §7.
func (e *Engine) requireRunning() error {
	if e.State() != Running {
		return errs.ErrShuttingDown
	}
	return nil
}
