package zone

import (
	"fmt"
	"math/rand"

	"trafficmesh/internal/protocol"
	"trafficmesh/internal/sim/tuning"
)

// lanes in fixed processing order. Determinism depends on this order and on
// the per-lane front-first vehicle order.
var lanes = [4]string{protocol.LaneE, protocol.LaneW, protocol.LaneN, protocol.LaneS}

// Vehicle is owned exclusively by its engine. Position is lane + offset along
// the lane; x/y are derived for snapshots.
type Vehicle struct {
	ID     string
	Lane   string
	Offset float64
	Speed  float64
	Turn   string
	Turned bool
	Halted bool

	movedStep uint64
}

// TrafficLight is fixed-time: the phase flips every CycleSteps steps.
type TrafficLight struct {
	ID         string
	Phase      string
	Elapsed    int
	CycleSteps int
}

func (l *TrafficLight) advance() {
	l.Elapsed++
	if l.Elapsed >= l.CycleSteps {
		l.Phase = otherPhase(l.Phase)
		l.Elapsed = 0
	}
}

func otherPhase(p string) string {
	if p == protocol.PhaseNSGreen {
		return protocol.PhaseEWGreen
	}
	return protocol.PhaseNSGreen
}

// Engine advances one zone by discrete steps. Single-owner state: only the
// worker agent that created it may call AdvanceStep, so no locking inside.
type Engine struct {
	cfg  tuning.ZoneTuning
	zone string
	rng  *rand.Rand

	step     uint64
	vehicles map[string][]*Vehicle // lane -> front-first order
	light    *TrafficLight

	nextVehicleNum uint64
}

// New builds an empty engine. Deterministic for a fixed seed.
func New(cfg tuning.ZoneTuning, zoneID string, seed int64) *Engine {
	e := &Engine{
		cfg:      cfg,
		zone:     zoneID,
		rng:      rand.New(rand.NewSource(seed)),
		vehicles: map[string][]*Vehicle{},
		light: &TrafficLight{
			ID:         zoneID + "-x1",
			Phase:      protocol.PhaseNSGreen,
			CycleSteps: cfg.LightCycleSteps,
		},
	}
	return e
}

// SeedInitialVehicles places the configured initial population on the inbound
// half of each lane, skipping placements that would violate the minimum gap.
func (e *Engine) SeedInitialVehicles() {
	lo, hi := e.cfg.InitialVehicles[0], e.cfg.InitialVehicles[1]
	n := lo
	if hi > lo {
		n = lo + e.rng.Intn(hi-lo+1)
	}
	for i := 0; i < n; i++ {
		lane := lanes[e.rng.Intn(len(lanes))]
		off := e.rng.Float64() * (e.half() - e.cfg.DecisionDistance)
		if !e.hasRoom(lane, off) {
			continue
		}
		e.insert(&Vehicle{
			ID:     e.newVehicleID(),
			Lane:   lane,
			Offset: off,
			Speed:  e.cfg.CarSpeed,
		})
	}
}

func (e *Engine) CurrentStep() uint64 { return e.step }

// VehicleCount is the live population across all lanes.
func (e *Engine) VehicleCount() int {
	n := 0
	for _, vs := range e.vehicles {
		n += len(vs)
	}
	return n
}

// AdvanceStep runs one discrete step and emits the post-step snapshot.
// The caller supplies the global step number it was commanded to compute;
// step numbers must be strictly increasing across calls.
func (e *Engine) AdvanceStep(step uint64) protocol.ZoneSnapshot {
	e.step = step

	despawned := e.moveVehicles()
	spawned := e.spawn()
	e.light.advance()

	return e.snapshot(spawned, despawned)
}

func (e *Engine) half() float64 { return e.cfg.Size / 2 }

// stopLine is the offset at which a vehicle waits on a red approach.
func (e *Engine) stopLine() float64 { return e.half() - e.cfg.MinGap }

func (e *Engine) approachGreen(lane string) bool {
	ns := lane == protocol.LaneN || lane == protocol.LaneS
	if e.light.Phase == protocol.PhaseNSGreen {
		return ns
	}
	return !ns
}

// moveVehicles advances every lane front-first, enforcing the following gap,
// the stop line on red approaches, and turn execution on green. Returns the
// number of vehicles despawned.
func (e *Engine) moveVehicles() int {
	despawned := 0
	for _, lane := range lanes {
		vs := e.vehicles[lane]
		kept := vs[:0]
		var ahead *Vehicle
		for _, v := range vs {
			if v.movedStep == e.step {
				// Entered this lane mid-step via a turn; already moved.
				if e.despawnable(v) {
					despawned++
					continue
				}
				kept = append(kept, v)
				ahead = v
				continue
			}
			v.movedStep = e.step
			e.moveOne(v, ahead)

			if v.Turned && v.Lane != lane {
				// Executed a turn onto the cross lane this step.
				if e.despawnable(v) {
					despawned++
					continue
				}
				e.insert(v)
				continue
			}
			if e.despawnable(v) {
				despawned++
				continue
			}
			kept = append(kept, v)
			ahead = v
		}
		e.vehicles[lane] = kept
	}
	return despawned
}

// moveOne advances a single vehicle, clamping against the vehicle ahead, the
// stop line, and sampling the one-shot turn decision.
func (e *Engine) moveOne(v *Vehicle, ahead *Vehicle) {
	v.Halted = false
	target := v.Offset + v.Speed

	if ahead != nil && ahead.Lane == v.Lane {
		limit := ahead.Offset - e.cfg.MinGap
		if target > limit {
			target = limit
			v.Halted = true
		}
	}
	if target < v.Offset {
		target = v.Offset
	}

	// One-shot turn decision once within decision distance of the intersection.
	if v.Turn == protocol.TurnNone && !v.Turned && v.Offset < e.half() && v.Offset >= e.half()-e.cfg.DecisionDistance {
		v.Turn = e.sampleTurn()
	}

	// Approaching the stop line.
	if !v.Turned && v.Offset <= e.stopLine() && target > e.stopLine() {
		if !e.approachGreen(v.Lane) {
			v.Offset = e.stopLine()
			v.Halted = true
			return
		}
		// Green: late decision for vehicles that jumped the decision window.
		if v.Turn == protocol.TurnNone {
			v.Turn = e.sampleTurn()
		}
		if v.Turn == protocol.TurnLeft || v.Turn == protocol.TurnRight {
			out := outgoingLane(v.Lane, v.Turn)
			if !e.hasRoomAt(out, e.half()) {
				// Intersection exit blocked; hold at the stop line.
				v.Offset = e.stopLine()
				v.Halted = true
				return
			}
			v.Lane = out
			v.Offset = e.half()
			v.Turned = true
			return
		}
		v.Turned = true // straight through; no further decisions
	}

	v.Offset = target
}

// despawnable reports whether the vehicle has left the zone: past the
// boundary, or past the intersection clearance after a completed turn.
func (e *Engine) despawnable(v *Vehicle) bool {
	if v.Offset > e.cfg.Size {
		return true
	}
	if v.Turned && v.Turn != protocol.TurnStraight && v.Turn != protocol.TurnNone &&
		v.Offset > e.half()+e.cfg.DecisionDistance {
		return true
	}
	return false
}

func (e *Engine) sampleTurn() string {
	w := e.cfg.TurnWeights
	total := w.Straight + w.Left + w.Right
	p := e.rng.Intn(total)
	switch {
	case p < w.Straight:
		return protocol.TurnStraight
	case p < w.Straight+w.Left:
		return protocol.TurnLeft
	default:
		return protocol.TurnRight
	}
}

// outgoingLane maps an inbound lane and a turn to the outbound cross lane.
func outgoingLane(lane, turn string) string {
	left := turn == protocol.TurnLeft
	switch lane {
	case protocol.LaneE:
		if left {
			return protocol.LaneN
		}
		return protocol.LaneS
	case protocol.LaneW:
		if left {
			return protocol.LaneS
		}
		return protocol.LaneN
	case protocol.LaneN:
		if left {
			return protocol.LaneW
		}
		return protocol.LaneE
	default: // LaneS
		if left {
			return protocol.LaneE
		}
		return protocol.LaneW
	}
}

// spawn creates at most one vehicle per step at a lane entry point, refused
// when the entry is occupied within the safety gap or the zone is at cap.
func (e *Engine) spawn() int {
	if e.cfg.SpawnProbability <= 0 {
		return 0
	}
	if e.cfg.SpawnProbability < 1 && e.rng.Float64() >= e.cfg.SpawnProbability {
		return 0
	}
	if e.VehicleCount() >= e.cfg.MaxVehicles {
		return 0
	}
	lane := lanes[e.rng.Intn(len(lanes))]
	if !e.hasRoomAt(lane, 0) {
		return 0
	}
	e.insert(&Vehicle{
		ID:        e.newVehicleID(),
		Lane:      lane,
		Offset:    0,
		Speed:     e.cfg.CarSpeed,
		movedStep: e.step,
	})
	return 1
}

func (e *Engine) hasRoom(lane string, off float64) bool {
	for _, v := range e.vehicles[lane] {
		d := v.Offset - off
		if d < 0 {
			d = -d
		}
		if d < e.cfg.MinGap {
			return false
		}
	}
	return true
}

func (e *Engine) hasRoomAt(lane string, off float64) bool { return e.hasRoom(lane, off) }

// insert keeps per-lane slices ordered front-first (descending offset).
func (e *Engine) insert(v *Vehicle) {
	vs := e.vehicles[v.Lane]
	i := 0
	for i < len(vs) && vs[i].Offset >= v.Offset {
		i++
	}
	vs = append(vs, nil)
	copy(vs[i+1:], vs[i:])
	vs[i] = v
	e.vehicles[v.Lane] = vs
}

// newVehicleID is unique within the zone and never reused.
func (e *Engine) newVehicleID() string {
	e.nextVehicleNum++
	return fmt.Sprintf("%s-v%d", e.zone, e.nextVehicleNum)
}

func (e *Engine) snapshot(spawned, despawned int) protocol.ZoneSnapshot {
	snap := protocol.ZoneSnapshot{
		Zone:     e.zone,
		Step:     e.step,
		Vehicles: make([]protocol.VehicleState, 0, e.VehicleCount()),
		Lights: []protocol.LightState{{
			ID:      e.light.ID,
			X:       e.half(),
			Y:       e.half(),
			Phase:   e.light.Phase,
			Elapsed: e.light.Elapsed,
			Cycle:   e.light.CycleSteps,
		}},
	}
	for _, lane := range lanes {
		for _, v := range e.vehicles[lane] {
			x, y := e.position(v)
			snap.Vehicles = append(snap.Vehicles, protocol.VehicleState{
				ID:     v.ID,
				Lane:   v.Lane,
				Offset: v.Offset,
				X:      x,
				Y:      y,
				Speed:  v.Speed,
				Turn:   v.Turn,
				Halted: v.Halted,
			})
		}
	}
	snap.Counters = protocol.ZoneCounters{
		Active:    len(snap.Vehicles),
		Spawned:   spawned,
		Despawned: despawned,
	}
	return snap
}

// position derives screen coordinates from lane + offset. The horizontal road
// sits at y = size/2, the vertical one at x = size/2.
func (e *Engine) position(v *Vehicle) (x, y float64) {
	mid := e.half()
	switch v.Lane {
	case protocol.LaneE:
		return v.Offset, mid
	case protocol.LaneW:
		return e.cfg.Size - v.Offset, mid
	case protocol.LaneS:
		return mid, v.Offset
	default: // LaneN
		return mid, e.cfg.Size - v.Offset
	}
}
