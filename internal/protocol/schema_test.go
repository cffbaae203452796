package protocol

import (
	"encoding/json"
	"testing"
)

func validReport(t *testing.T) []byte {
	t.Helper()
	msg := ReportMsg{
		Type:            TypeReport,
		ProtocolVersion: Version,
		Zone:            "North",
		WorkerID:        "w1",
		Step:            7,
		Snapshot: ZoneSnapshot{
			Zone: "North",
			Step: 7,
			Vehicles: []VehicleState{
				{ID: "North-v1", Lane: LaneE, Offset: 12, X: 12, Y: 100, Speed: 7},
				{ID: "North-v2", Lane: LaneN, Offset: 80, X: 100, Y: 120, Speed: 7, Turn: TurnStraight, Halted: true},
			},
			Lights: []LightState{
				{ID: "North-x1", X: 100, Y: 100, Phase: PhaseNSGreen, Elapsed: 2, Cycle: 4},
			},
			Counters: ZoneCounters{Active: 2, Spawned: 1, Despawned: 0},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestValidateReport_AcceptsWellFormed(t *testing.T) {
	if err := ValidateReport(validReport(t)); err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}
}

func TestValidateReport_AcceptsEmptyZone(t *testing.T) {
	msg := ReportMsg{
		Type:            TypeReport,
		ProtocolVersion: Version,
		Zone:            "East",
		WorkerID:        "w1",
		Step:            1,
		Snapshot: ZoneSnapshot{
			Zone:     "East",
			Step:     1,
			Vehicles: []VehicleState{},
			Lights: []LightState{
				{ID: "East-x1", X: 100, Y: 100, Phase: PhaseEWGreen, Elapsed: 0, Cycle: 4},
			},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ValidateReport(raw); err != nil {
		t.Fatalf("empty-zone report rejected: %v", err)
	}
}

func TestValidateReport_RejectsBadPayloads(t *testing.T) {
	mutate := func(t *testing.T, f func(m map[string]any)) []byte {
		t.Helper()
		var m map[string]any
		if err := json.Unmarshal(validReport(t), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		f(m)
		raw, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return raw
	}

	cases := []struct {
		name string
		raw  []byte
	}{
		{"malformed json", []byte(`{"type": "REPORT",`)},
		{"wrong type", mutate(t, func(m map[string]any) { m["type"] = "STEP" })},
		{"missing worker id", mutate(t, func(m map[string]any) { delete(m, "worker_id") })},
		{"empty zone name", mutate(t, func(m map[string]any) { m["zone"] = "" })},
		{"fractional step", mutate(t, func(m map[string]any) { m["step"] = 7.5 })},
		{"null vehicles", mutate(t, func(m map[string]any) {
			m["snapshot"].(map[string]any)["vehicles"] = nil
		})},
		{"bad lane", mutate(t, func(m map[string]any) {
			vs := m["snapshot"].(map[string]any)["vehicles"].([]any)
			vs[0].(map[string]any)["lane"] = "X"
		})},
		{"negative speed", mutate(t, func(m map[string]any) {
			vs := m["snapshot"].(map[string]any)["vehicles"].([]any)
			vs[0].(map[string]any)["speed"] = -1
		})},
		{"bad light phase", mutate(t, func(m map[string]any) {
			ls := m["snapshot"].(map[string]any)["lights"].([]any)
			ls[0].(map[string]any)["phase"] = "ALL_RED"
		})},
		{"missing counters", mutate(t, func(m map[string]any) {
			delete(m["snapshot"].(map[string]any), "counters")
		})},
	}
	for _, tc := range cases {
		if err := ValidateReport(tc.raw); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}
}

func TestDecodeBase_RoutesByType(t *testing.T) {
	m, err := DecodeBase([]byte(`{"type":"STEP","protocol_version":"1.0","step":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeStep || m.ProtocolVersion != Version {
		t.Fatalf("decoded base = %+v", m)
	}
}

func TestIsKnownCode(t *testing.T) {
	for _, code := range []string{"", ErrProtoBadRequest, ErrZoneConflict, ErrNotRegistered, ErrBadSnapshot, ErrStaleStep, ErrInternal} {
		if !IsKnownCode(code) {
			t.Fatalf("code %q not known", code)
		}
	}
	if IsKnownCode("E_MADE_UP") {
		t.Fatalf("unknown code accepted")
	}
}
