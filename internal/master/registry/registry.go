package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle of a worker record. A Removed record is never
// resurrected; re-registering the zone creates a fresh record.
type Status int

const (
	StatusRegistered Status = iota + 1
	StatusReporting
	StatusStale
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "Registered"
	case StatusReporting:
		return "Reporting"
	case StatusStale:
		return "Stale"
	case StatusRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// ErrZoneConflict rejects a registration for a zone that is already live.
var ErrZoneConflict = errors.New("zone already registered and live")

// WorkerRecord tracks one worker. Identity fields are immutable; liveness
// fields are guarded by the record's own mutex so different zones never
// contend.
type WorkerRecord struct {
	Zone         string
	WorkerID     string
	Addr         string
	RegisteredAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	status   Status
}

func (r *WorkerRecord) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *WorkerRecord) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeen
}

func (r *WorkerRecord) live() bool {
	return r.status == StatusRegistered || r.status == StatusReporting
}

// RecordView is a copy-out of a record for admin/state endpoints.
type RecordView struct {
	Zone         string    `json:"zone"`
	WorkerID     string    `json:"worker_id"`
	Addr         string    `json:"addr,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	Status       string    `json:"status"`
}

// Registry is the master-side table of known workers: the source of truth for
// who must report before a step settles.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*WorkerRecord
}

func New() *Registry {
	return &Registry{records: map[string]*WorkerRecord{}}
}

// Register admits a worker for a zone. A live duplicate is rejected; a Stale
// or Removed record is replaced with a fresh one.
func (g *Registry) Register(zone, workerID, addr string, now time.Time) (*WorkerRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.records[zone]; ok {
		old.mu.Lock()
		liveDup := old.live()
		old.mu.Unlock()
		if liveDup {
			return nil, ErrZoneConflict
		}
	}
	rec := &WorkerRecord{
		Zone:         zone,
		WorkerID:     workerID,
		Addr:         addr,
		RegisteredAt: now,
		lastSeen:     now,
		status:       StatusRegistered,
	}
	g.records[zone] = rec
	return rec, nil
}

// Touch records a sign of life. A Stale record is revived: the zone resumes
// participation at the next dispatched step.
func (g *Registry) Touch(zone string, now time.Time) bool {
	g.mu.RLock()
	rec, ok := g.records[zone]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status == StatusRemoved {
		return false
	}
	rec.lastSeen = now
	rec.status = StatusReporting
	return true
}

// MarkStale forces a zone out of the must-report set (missed deadline or
// dropped connection).
func (g *Registry) MarkStale(zone string) bool {
	g.mu.RLock()
	rec, ok := g.records[zone]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.live() {
		return false
	}
	rec.status = StatusStale
	return true
}

// Sweep marks every live record not seen within timeout as Stale and returns
// the changed zone set.
func (g *Registry) Sweep(now time.Time, timeout time.Duration) []string {
	g.mu.RLock()
	recs := make([]*WorkerRecord, 0, len(g.records))
	for _, r := range g.records {
		recs = append(recs, r)
	}
	g.mu.RUnlock()

	var changed []string
	for _, r := range recs {
		r.mu.Lock()
		if r.live() && now.Sub(r.lastSeen) > timeout {
			r.status = StatusStale
			changed = append(changed, r.Zone)
		}
		r.mu.Unlock()
	}
	sort.Strings(changed)
	return changed
}

// Remove retires a zone's record permanently.
func (g *Registry) Remove(zone string) {
	g.mu.RLock()
	rec, ok := g.records[zone]
	g.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.status = StatusRemoved
	rec.mu.Unlock()
}

// LiveZones is the sorted must-report set for the next dispatched step.
func (g *Registry) LiveZones() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	zones := make([]string, 0, len(g.records))
	for zone, r := range g.records {
		r.mu.Lock()
		ok := r.live()
		r.mu.Unlock()
		if ok {
			zones = append(zones, zone)
		}
	}
	sort.Strings(zones)
	return zones
}

// Get returns the current record for a zone, if any.
func (g *Registry) Get(zone string) (*WorkerRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[zone]
	return rec, ok
}

// Views snapshots every record for read-only consumers.
func (g *Registry) Views() []RecordView {
	g.mu.RLock()
	recs := make([]*WorkerRecord, 0, len(g.records))
	for _, r := range g.records {
		recs = append(recs, r)
	}
	g.mu.RUnlock()

	out := make([]RecordView, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, RecordView{
			Zone:         r.Zone,
			WorkerID:     r.WorkerID,
			Addr:         r.Addr,
			RegisteredAt: r.RegisteredAt,
			LastSeen:     r.lastSeen,
			Status:       r.status.String(),
		})
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}
