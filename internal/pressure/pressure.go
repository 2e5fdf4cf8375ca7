// Package pressure implements the PressureHandler: it observes the
// iokernel-published pressure signals, ranks local proclets by how cheap
// they are to migrate relative to the relief they'd provide, and drives
// internal/migrator against the top of that ranking.
package pressure

import (
	"context"
	"sort"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/internal/iokernel"
	"github.com/proclet-systems/procletd/internal/migrator"
	"github.com/proclet-systems/procletd/internal/proclet"
)

// Config holds the handler's tunables, sourced from internal/config.
type Config struct {
	// Lpid is the logical process this node's proclets belong to.
	Lpid uint64
	// SelfIP identifies this node to get_migration_dest.
	SelfIP string
	// MinProcletsOnCPUPressure is the minimum proclet count a batch must
	// reach before the handler stops selecting more candidates, applied
	// only when the pressure is CPU pressure rather than memory pressure.
	MinProcletsOnCPUPressure int
	// FixedMigrationCostUs and LinkBWBytesPerUs parameterize the
	// migration_time ≈ fixed_cost + mem_bytes / link_bw estimate.
	FixedMigrationCostUs float64
	LinkBWBytesPerUs     float64
	// RankingCadence is how often the ranking indexes are rebuilt.
	RankingCadence time.Duration
	// PollInterval is how often Run consults the iokernel feed.
	PollInterval time.Duration
	// Workers is the size of the auxiliary pool that drives migrations
	// concurrently, so the main handler loop isn't blocked on
	// migration-protocol TCP writes.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.RankingCadence <= 0 {
		c.RankingCadence = 100 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FixedMigrationCostUs <= 0 {
		c.FixedMigrationCostUs = 500
	}
	if c.LinkBWBytesPerUs <= 0 {
		c.LinkBWBytesPerUs = 1250 // ~10 Gbps
	}
	return c
}

// candidate is one local proclet's snapshot at ranking time.
type candidate struct {
	id              proclet.ID
	memBytes        uint64
	cpuLoad         float64
	migrationTimeUs float64
}

// Handler implements the PressureHandler.
type Handler struct {
	log      hclog.Logger
	cfg      Config
	manager  *proclet.Manager
	migrator *migrator.Migrator
	feed     *iokernel.Feed

	rankMu     sync.Mutex
	cpuRanking []candidate
	memRanking []candidate

	wg sync.WaitGroup
}

// New creates a PressureHandler wired to manager (the local ProcletManager),
// mig (the source-side Migrator), and feed (the iokernel congestion/
// pressure region).
func New(log hclog.Logger, cfg Config, manager *proclet.Manager, mig *migrator.Migrator, feed *iokernel.Feed) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Handler{
		log:      log.Named("pressure"),
		cfg:      cfg.withDefaults(),
		manager:  manager,
		migrator: mig,
		feed:     feed,
	}
}

// migrationTime estimates how long migrating memBytes would take.
func (h *Handler) migrationTime(memBytes uint64) float64 {
	return h.cfg.FixedMigrationCostUs + float64(memBytes)/h.cfg.LinkBWBytesPerUs
}

// rebuildRankings snapshots every local PRESENT, migratable, non-migrating
// proclet and sorts it into two indexes: CPU pressure by
// cpu_load/migration_time descending, memory pressure by
// mem_size/migration_time descending.
func (h *Handler) rebuildRankings() {
	var candidates []candidate
	h.manager.Range(func(id proclet.ID, e *proclet.Entry) bool {
		if e.Status != proclet.StatusPresent || !e.Header.Migratable || e.Header.IsMigrating() {
			return true
		}
		mem := e.Header.Slab.Usage()
		candidates = append(candidates, candidate{
			id:              id,
			memBytes:        mem,
			cpuLoad:         e.Header.CPULoad,
			migrationTimeUs: h.migrationTime(mem),
		})
		return true
	})

	cpuRank := make([]candidate, len(candidates))
	copy(cpuRank, candidates)
	sort.Slice(cpuRank, func(i, j int) bool {
		return cpuRank[i].cpuLoad/cpuRank[i].migrationTimeUs > cpuRank[j].cpuLoad/cpuRank[j].migrationTimeUs
	})

	memRank := make([]candidate, len(candidates))
	copy(memRank, candidates)
	sort.Slice(memRank, func(i, j int) bool {
		return float64(memRank[i].memBytes)/memRank[i].migrationTimeUs > float64(memRank[j].memBytes)/memRank[j].migrationTimeUs
	})

	h.rankMu.Lock()
	h.cpuRanking = cpuRank
	h.memRanking = memRank
	h.rankMu.Unlock()
}

// RankingLoop runs rebuildRankings on the configured cadence until ctx is
// done.
func (h *Handler) RankingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.RankingCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.rebuildRankings()
		}
	}
}

// Run polls the iokernel feed on PollInterval and drives HandleOnce whenever
// pressure is asserted, until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := h.feed.Pressure()
			if !p.CPUPressure && p.ToReleaseMemMBs == 0 {
				continue
			}
			if err := h.HandleOnce(ctx, p.CPUPressure, p.ToReleaseMemMBs); err != nil {
				h.log.Warn("pressure handling pass did not fully succeed", "error", err)
			}
		}
	}
}

// HandleOnce runs one pass of the main handler loop.
func (h *Handler) HandleOnce(ctx context.Context, cpuPressure bool, toReleaseMemMBs uint32) error {
	h.feed.Acknowledge(iokernel.StatusInProgress)
	metrics.IncrCounter([]string{"pressure", "handled"}, 1)

	minNumProclets := 0
	if cpuPressure {
		minNumProclets = h.cfg.MinProcletsOnCPUPressure
	}
	minMemMBs := toReleaseMemMBs

	batch := h.selectBatch(minNumProclets, minMemMBs, cpuPressure)
	if len(batch) == 0 {
		h.feed.Acknowledge(iokernel.StatusHandled)
		return nil
	}

	err := h.migrateBatch(ctx, batch)
	if err == nil {
		h.feed.Acknowledge(iokernel.StatusHandled)
	}
	return err
}

// selectBatch walks the appropriate ranking, skipping candidates that are
// no longer eligible (pinned, already migrating, gone) by the time they
// come up. It stops once both the proclet-count and the memory-release
// targets are met.
func (h *Handler) selectBatch(minNumProclets int, minMemMBs uint32, cpuPressure bool) []proclet.ID {
	h.rankMu.Lock()
	cpuRank := h.cpuRanking
	memRank := h.memRanking
	h.rankMu.Unlock()

	ranking := memRank
	if cpuPressure {
		ranking = cpuRank
	}

	seen := make(map[proclet.ID]bool)
	var batch []proclet.ID
	var releasedMBs uint32

	for _, c := range ranking {
		if seen[c.id] {
			continue
		}
		entry, ok := h.manager.Lookup(c.id)
		if !ok || entry.Status != proclet.StatusPresent || !entry.Header.Migratable || entry.Header.IsMigrating() {
			continue
		}
		seen[c.id] = true
		batch = append(batch, c.id)
		releasedMBs += uint32(c.memBytes / (1 << 20))

		if len(batch) >= minNumProclets && releasedMBs >= minMemMBs {
			break
		}
	}
	return batch
}

// migrateBatch hands the selected proclets to the Migrator concurrently,
// bounded by cfg.Workers auxiliary goroutines so the handler's own loop
// stays responsive while migrations are in flight.
func (h *Handler) migrateBatch(ctx context.Context, batch []proclet.ID) error {
	sem := make(chan struct{}, h.cfg.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var result *multierror.Error

	for _, id := range batch {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			mem, _ := h.estimateResource(id)
			err := h.migrator.Migrate(ctx, id, h.cfg.Lpid, mem)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
				h.log.Warn("migration attempt failed", "proclet", id, "error", err)
				return
			}
			metrics.IncrCounter([]string{"pressure", "proclets_migrated"}, 1)
		}()
	}
	wg.Wait()

	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

func (h *Handler) estimateResource(id proclet.ID) (controller.Resource, bool) {
	entry, ok := h.manager.Lookup(id)
	if !ok {
		return controller.Resource{}, false
	}
	return controller.Resource{Cores: 1, MemMBs: int(entry.Header.Slab.Usage() / (1 << 20))}, true
}

// Wait blocks until every goroutine launched by StartAll has returned
// (i.e. until the ctx passed to StartAll is cancelled).
func (h *Handler) Wait() {
	h.wg.Wait()
}

// StartAll launches RankingLoop and Run as background goroutines tied to
// ctx. Cancel ctx and call Wait to tear them down: the auxiliary threads
// observe a done-flag at their yield points and exit, which here is ctx
// cancellation.
func (h *Handler) StartAll(ctx context.Context) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.RankingLoop(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.Run(ctx)
	}()
}
