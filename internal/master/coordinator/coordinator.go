package coordinator

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"trafficmesh/internal/master/aggregate"
	"trafficmesh/internal/master/registry"
	"trafficmesh/internal/protocol"
)

// State of the in-flight step. Exactly one step is in flight at a time; all
// transitions happen on the coordinator goroutine.
type State int32

const (
	StateIdle State = iota
	StateDispatching
	StateAwaitingReports
	StateSettling
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateDispatching:
		return "Dispatching"
	case StateAwaitingReports:
		return "AwaitingReports"
	case StateSettling:
		return "Settling"
	case StateSettled:
		return "Settled"
	default:
		return "Idle"
	}
}

// Dispatcher delivers a step command to one zone. Fire-and-forget: the
// coordinator blocks only on the report deadline, never on delivery.
type Dispatcher interface {
	DispatchStep(zone string, step uint64)
}

// Sink receives each settled global snapshot.
type Sink interface {
	Merge(gs aggregate.GlobalSnapshot)
}

// StepLogger records settled steps; may be nil.
type StepLogger interface {
	WriteStep(e StepLogEntry) error
}

type StepLogEntry struct {
	Step          uint64    `json:"step"`
	Zones         []string  `json:"zones"`
	StaleZones    []string  `json:"stale_zones,omitempty"`
	TotalVehicles int       `json:"total_vehicles"`
	Partial       bool      `json:"partial"`
	SettleMS      float64   `json:"settle_ms"`
	At            time.Time `json:"at"`
}

// Report is one zone's snapshot for one step, delivered from the transport.
type Report struct {
	Zone     string
	Step     uint64
	Snapshot protocol.ZoneSnapshot
}

type Config struct {
	StepInterval   time.Duration
	ReportDeadline time.Duration
	StaleTimeout   time.Duration
}

// Coordinator advances global simulation time. It owns the step counter and
// the per-step state machine; report ingestion from any number of zones is
// concurrent and funnels through a bounded channel.
type Coordinator struct {
	cfg  Config
	reg  *registry.Registry
	disp Dispatcher
	sink Sink
	log  *log.Logger

	reports chan Report
	stop    chan struct{}

	step         atomic.Uint64
	state        atomic.Int32
	lastSettleMS atomic.Int64 // microseconds, for metrics

	stepLogger StepLogger
}

func New(cfg Config, reg *registry.Registry, disp Dispatcher, sink Sink, logger *log.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		reg:     reg,
		disp:    disp,
		sink:    sink,
		log:     logger,
		reports: make(chan Report, 256),
		stop:    make(chan struct{}),
	}
}

func (c *Coordinator) SetStepLogger(l StepLogger) { c.stepLogger = l }

// CurrentStep is the last settled step; the next dispatched step is one past it.
func (c *Coordinator) CurrentStep() uint64 { return c.step.Load() }

func (c *Coordinator) State() State { return State(c.state.Load()) }

// LastSettleDuration is the wall time the previous step took to settle.
func (c *Coordinator) LastSettleDuration() time.Duration {
	return time.Duration(c.lastSettleMS.Load()) * time.Microsecond
}

// Ingest hands a report to the in-flight step without blocking. Reports for
// an already-settled step still count as a registry touch at the transport;
// here they are simply discarded once the step window has passed.
func (c *Coordinator) Ingest(r Report) bool {
	select {
	case c.reports <- r:
		return true
	default:
		return false
	}
}

func (c *Coordinator) Stop() { close(c.stop) }

// Run drives one step per interval until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.StepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-ticker.C:
			c.RunStep(ctx)
		}
	}
}

// RunStep executes one full Dispatching -> Settled cycle. Exposed so tests
// can drive steps without the wall clock.
func (c *Coordinator) RunStep(ctx context.Context) {
	started := time.Now()
	step := c.step.Load() + 1

	// Dispatching: fan the step command out to every live zone.
	c.state.Store(int32(StateDispatching))
	c.drainStaleReports(step)
	zones := c.reg.LiveZones()
	for _, z := range zones {
		c.disp.DispatchStep(z, step)
	}

	// AwaitingReports: all-reported or deadline, whichever first.
	c.state.Store(int32(StateAwaitingReports))
	pending := make(map[string]struct{}, len(zones))
	for _, z := range zones {
		pending[z] = struct{}{}
	}
	got := make(map[string]protocol.ZoneSnapshot, len(zones))
	deadline := time.NewTimer(c.cfg.ReportDeadline)
	defer deadline.Stop()

await:
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case r := <-c.reports:
			if r.Step != step {
				continue
			}
			if _, ok := pending[r.Zone]; !ok {
				continue
			}
			delete(pending, r.Zone)
			got[r.Zone] = r.Snapshot
		case <-deadline.C:
			break await
		}
	}

	// Settling: zones that missed the deadline degrade the snapshot, they
	// never block it.
	c.state.Store(int32(StateSettling))
	var stale []string
	for z := range pending {
		if c.reg.MarkStale(z) {
			stale = append(stale, z)
		}
	}
	sort.Strings(stale)
	for _, z := range stale {
		c.log.Printf("step %d: zone %s missed deadline, marked stale", step, z)
	}

	gs := aggregate.GlobalSnapshot{
		Step:       step,
		Partial:    len(pending) > 0,
		Zones:      got,
		StaleZones: stale,
	}
	reported := make([]string, 0, len(got))
	for z, zs := range got {
		gs.TotalVehicles += zs.Counters.Active
		reported = append(reported, z)
	}
	sort.Strings(reported)
	gs.LiveWorkers = len(c.reg.LiveZones())

	// Settled: publish and advance the counter.
	c.sink.Merge(gs)
	c.step.Store(step)
	c.state.Store(int32(StateSettled))
	elapsed := time.Since(started)
	c.lastSettleMS.Store(elapsed.Microseconds())

	if c.stepLogger != nil {
		if err := c.stepLogger.WriteStep(StepLogEntry{
			Step:          step,
			Zones:         reported,
			StaleZones:    stale,
			TotalVehicles: gs.TotalVehicles,
			Partial:       gs.Partial,
			SettleMS:      float64(elapsed.Microseconds()) / 1000.0,
			At:            started.UTC(),
		}); err != nil {
			c.log.Printf("step log: %v", err)
		}
	}
}

// drainStaleReports discards leftovers from previous steps so an old report
// can never be mistaken for the new step's. Workers never run ahead, so
// anything buffered here is late.
func (c *Coordinator) drainStaleReports(step uint64) {
	for {
		select {
		case r := <-c.reports:
			if r.Step >= step {
				c.log.Printf("step %d: dropped unexpected buffered report for step %d from %s", step, r.Step, r.Zone)
			}
		default:
			return
		}
	}
}
