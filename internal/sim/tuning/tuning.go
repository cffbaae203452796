package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the full configuration surface for one simulation run. The same
// file is read by the master (coordination timings, history depth) and by
// workers (zone dynamics).
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	StepIntervalMs   int `yaml:"step_interval_ms"`
	ReportDeadlineMs int `yaml:"report_deadline_ms"`
	StaleTimeoutMs   int `yaml:"stale_timeout_ms"`
	HistoryDepth     int `yaml:"history_depth"`

	Zone ZoneTuning `yaml:"zone"`
}

type ZoneTuning struct {
	Size             float64 `yaml:"size"`
	CarSpeed         float64 `yaml:"car_speed"`
	MinGap           float64 `yaml:"min_gap"`
	DecisionDistance float64 `yaml:"decision_distance"`
	SpawnProbability float64 `yaml:"spawn_probability"`
	MaxVehicles      int     `yaml:"max_vehicles"`
	InitialVehicles  [2]int  `yaml:"initial_vehicles"`
	LightCycleSteps  int     `yaml:"light_cycle_steps"`

	TurnWeights TurnWeights `yaml:"turn_weights"`
}

type TurnWeights struct {
	Straight int `yaml:"straight"`
	Left     int `yaml:"left"`
	Right    int `yaml:"right"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:  "1.0",
		StepIntervalMs:   500,
		ReportDeadlineMs: 3000,
		StaleTimeoutMs:   10000,
		HistoryDepth:     100,
		Zone: ZoneTuning{
			Size:             200,
			CarSpeed:         7,
			MinGap:           6,
			DecisionDistance: 30,
			SpawnProbability: 0.4,
			MaxVehicles:      80,
			InitialVehicles:  [2]int{20, 35},
			LightCycleSteps:  4,
			TurnWeights:      TurnWeights{Straight: 6, Left: 2, Right: 2},
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize clamps zero-valued fields back to defaults so a sparse yaml file
// stays usable.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.StepIntervalMs <= 0 {
		t.StepIntervalMs = d.StepIntervalMs
	}
	if t.ReportDeadlineMs <= 0 {
		t.ReportDeadlineMs = d.ReportDeadlineMs
	}
	if t.StaleTimeoutMs <= 0 {
		t.StaleTimeoutMs = d.StaleTimeoutMs
	}
	if t.HistoryDepth <= 0 {
		t.HistoryDepth = d.HistoryDepth
	}
	z := &t.Zone
	dz := d.Zone
	if z.Size <= 0 {
		z.Size = dz.Size
	}
	if z.CarSpeed <= 0 {
		z.CarSpeed = dz.CarSpeed
	}
	if z.MinGap <= 0 {
		z.MinGap = dz.MinGap
	}
	if z.DecisionDistance <= 0 {
		z.DecisionDistance = dz.DecisionDistance
	}
	if z.MaxVehicles <= 0 {
		z.MaxVehicles = dz.MaxVehicles
	}
	if z.LightCycleSteps <= 0 {
		z.LightCycleSteps = dz.LightCycleSteps
	}
	if z.TurnWeights == (TurnWeights{}) {
		z.TurnWeights = dz.TurnWeights
	}
	if z.InitialVehicles[1] < z.InitialVehicles[0] {
		z.InitialVehicles[1] = z.InitialVehicles[0]
	}
}

func (t *Tuning) Validate() error {
	z := t.Zone
	if z.SpawnProbability < 0 || z.SpawnProbability > 1 {
		return fmt.Errorf("zone.spawn_probability out of range: %v", z.SpawnProbability)
	}
	if z.MinGap >= z.Size/2 {
		return fmt.Errorf("zone.min_gap %v too large for zone size %v", z.MinGap, z.Size)
	}
	if z.DecisionDistance >= z.Size/2 {
		return fmt.Errorf("zone.decision_distance %v too large for zone size %v", z.DecisionDistance, z.Size)
	}
	w := z.TurnWeights
	if w.Straight < 0 || w.Left < 0 || w.Right < 0 || w.Straight+w.Left+w.Right == 0 {
		return fmt.Errorf("zone.turn_weights invalid: %+v", w)
	}
	if z.InitialVehicles[0] < 0 {
		return fmt.Errorf("zone.initial_vehicles min negative")
	}
	if z.InitialVehicles[1] > z.MaxVehicles {
		return fmt.Errorf("zone.initial_vehicles max %d exceeds max_vehicles %d", z.InitialVehicles[1], z.MaxVehicles)
	}
	return nil
}
