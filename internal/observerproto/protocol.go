package observerproto

import "trafficmesh/internal/protocol"

// Version is the observer protocol version (separate from the worker WS protocol).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection; may be
// re-sent, later copies are no-ops.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	Step            uint64   `json:"step"`
	Zones           []string `json:"zones"`
	StepIntervalMs  int      `json:"step_interval_ms"`
	HistoryDepth    int      `json:"history_depth"`
}

// Server -> Client. One settled global snapshot per message, in step order.
type FrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Step    uint64 `json:"step"`
	Partial bool   `json:"partial,omitempty"`

	Zones      map[string]protocol.ZoneSnapshot `json:"zones"`
	StaleZones []string                         `json:"stale_zones,omitempty"`

	TotalVehicles int            `json:"total_vehicles"`
	LiveWorkers   int            `json:"live_workers"`
	History       []HistoryPoint `json:"history"`
}

// Rolling aggregate series carried in every frame so a freshly connected
// dashboard can backfill its chart.
type HistoryPoint struct {
	Step          uint64 `json:"step"`
	TotalVehicles int    `json:"total_vehicles"`
}
