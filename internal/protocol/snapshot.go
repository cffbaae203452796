package protocol

// Lane identifiers inside a zone. Heading is implied by the lane: E/W run
// along the horizontal road, N/S along the vertical one.
const (
	LaneE = "E"
	LaneW = "W"
	LaneN = "N"
	LaneS = "S"
)

// Turn decisions. Sampled exactly once per vehicle.
const (
	TurnNone     = ""
	TurnStraight = "STRAIGHT"
	TurnLeft     = "LEFT"
	TurnRight    = "RIGHT"
)

// Traffic light phases.
const (
	PhaseNSGreen = "NS_GREEN"
	PhaseEWGreen = "EW_GREEN"
)

type VehicleState struct {
	ID     string  `json:"id"`
	Lane   string  `json:"lane"`
	Offset float64 `json:"offset"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Speed  float64 `json:"speed"`
	Turn   string  `json:"turn,omitempty"`
	Halted bool    `json:"halted,omitempty"`
}

type LightState struct {
	ID      string  `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Phase   string  `json:"phase"`
	Elapsed int     `json:"elapsed"`
	Cycle   int     `json:"cycle"`
}

type ZoneCounters struct {
	Active    int `json:"active"`
	Spawned   int `json:"spawned"`
	Despawned int `json:"despawned"`
}

// ZoneSnapshot is the post-step state of one zone. Immutable once produced;
// exactly one exists per (zone, step).
type ZoneSnapshot struct {
	Zone     string         `json:"zone"`
	Step     uint64         `json:"step"`
	Vehicles []VehicleState `json:"vehicles"`
	Lights   []LightState   `json:"lights"`
	Counters ZoneCounters   `json:"counters"`
}
