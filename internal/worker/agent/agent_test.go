package agent

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trafficmesh/internal/protocol"
	"trafficmesh/internal/sim/tuning"
	"trafficmesh/internal/sim/zone"
)

func quietEngine() *zone.Engine {
	cfg := tuning.Defaults().Zone
	cfg.SpawnProbability = 0
	return zone.New(cfg, "North", 1)
}

func testAgent(url string) *Agent {
	return New(Config{
		MasterURL:        url,
		Zone:             "North",
		RegisterAttempts: 2,
		RegisterBackoff:  5 * time.Millisecond,
		ReportTimeout:    time.Second,
	}, quietEngine(), log.New(io.Discard, "", 0))
}

// fakeMaster accepts one registration per connection and then hands the
// scripted session body the raw conn.
func fakeMaster(t *testing.T, script func(conn *websocket.Conn)) (string, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var reg protocol.RegisterMsg
		if err := json.Unmarshal(msg, &reg); err != nil || reg.Type != protocol.TypeRegister {
			t.Errorf("first message not REGISTER: %s", msg)
			return
		}
		if reg.Zone != "North" || reg.WorkerID == "" || reg.ProtocolVersion != protocol.Version {
			t.Errorf("bad REGISTER: %+v", reg)
			return
		}
		mustWrite(t, conn, protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			Accepted:        true,
			Zone:            reg.Zone,
			JoinStep:        1,
		})
		script(conn)
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return url, srv.Close
}

func mustWrite(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Errorf("marshal: %v", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Errorf("write: %v", err)
	}
}

func readReport(t *testing.T, conn *websocket.Conn) (protocol.ReportMsg, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.ReportMsg{}, false
	}
	var rep protocol.ReportMsg
	if err := json.Unmarshal(msg, &rep); err != nil || rep.Type != protocol.TypeReport {
		t.Errorf("expected REPORT, got %s", msg)
		return protocol.ReportMsg{}, false
	}
	return rep, true
}

func stepCmd(step uint64) protocol.StepMsg {
	return protocol.StepMsg{Type: protocol.TypeStep, ProtocolVersion: protocol.Version, Step: step}
}

func ackFor(step uint64, accepted bool, code string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          protocol.TypeReport,
		Accepted:        accepted,
		Code:            code,
		Step:            step,
	}
}

func TestAgent_ReportsCommandedStepsOnce(t *testing.T) {
	reports := make(chan protocol.ReportMsg, 4)
	url, done := fakeMaster(t, func(conn *websocket.Conn) {
		mustWrite(t, conn, stepCmd(1))
		rep, ok := readReport(t, conn)
		if !ok {
			return
		}
		reports <- rep
		mustWrite(t, conn, ackFor(rep.Step, true, ""))

		// Duplicate must not produce a second report; the next real command must.
		mustWrite(t, conn, stepCmd(1))
		mustWrite(t, conn, stepCmd(2))
		rep, ok = readReport(t, conn)
		if !ok {
			return
		}
		reports <- rep
		mustWrite(t, conn, ackFor(rep.Step, true, ""))
	})
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	agentDone := make(chan struct{})
	a := testAgent(url)
	go func() {
		defer close(agentDone)
		_ = a.Run(ctx)
	}()

	first := <-reports
	if first.Step != 1 || first.Snapshot.Step != 1 {
		t.Fatalf("first report step = %d/%d, want 1", first.Step, first.Snapshot.Step)
	}
	if first.Zone != "North" || first.Snapshot.Zone != "North" {
		t.Fatalf("report zone = %s/%s", first.Zone, first.Snapshot.Zone)
	}
	if first.WorkerID != a.WorkerID() {
		t.Fatalf("report worker id = %s, want %s", first.WorkerID, a.WorkerID())
	}

	second := <-reports
	if second.Step != 2 {
		t.Fatalf("second report step = %d, want 2 (duplicate advanced the engine)", second.Step)
	}

	cancel()
	done()
	select {
	case <-agentDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent did not stop")
	}
}

func TestAgent_RetriesRejectedReportOnce(t *testing.T) {
	reports := make(chan protocol.ReportMsg, 4)
	url, done := fakeMaster(t, func(conn *websocket.Conn) {
		mustWrite(t, conn, stepCmd(1))
		rep, ok := readReport(t, conn)
		if !ok {
			return
		}
		reports <- rep
		mustWrite(t, conn, ackFor(rep.Step, false, protocol.ErrBadSnapshot))

		rep, ok = readReport(t, conn)
		if !ok {
			return
		}
		reports <- rep
		mustWrite(t, conn, ackFor(rep.Step, true, ""))
	})
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	agentDone := make(chan struct{})
	a := testAgent(url)
	go func() {
		defer close(agentDone)
		_ = a.Run(ctx)
	}()

	first := <-reports
	retry := <-reports
	if retry.Step != first.Step {
		t.Fatalf("retry step = %d, want same step %d", retry.Step, first.Step)
	}
	if string(mustJSON(t, retry.Snapshot)) != string(mustJSON(t, first.Snapshot)) {
		t.Fatalf("retry carried a different snapshot")
	}

	cancel()
	done()
	select {
	case <-agentDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent did not stop")
	}
}

func TestAgent_StepDuringAckWaitNotLost(t *testing.T) {
	reports := make(chan protocol.ReportMsg, 4)
	url, done := fakeMaster(t, func(conn *websocket.Conn) {
		mustWrite(t, conn, stepCmd(1))
		rep, ok := readReport(t, conn)
		if !ok {
			return
		}
		reports <- rep

		// Next command lands while the step 1 ack is still outstanding.
		mustWrite(t, conn, stepCmd(2))
		mustWrite(t, conn, ackFor(1, true, ""))

		rep, ok = readReport(t, conn)
		if !ok {
			return
		}
		reports <- rep
		mustWrite(t, conn, ackFor(rep.Step, true, ""))
	})
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	agentDone := make(chan struct{})
	a := testAgent(url)
	go func() {
		defer close(agentDone)
		_ = a.Run(ctx)
	}()

	first := <-reports
	if first.Step != 1 {
		t.Fatalf("first report step = %d, want 1", first.Step)
	}
	second := <-reports
	if second.Step != 2 {
		t.Fatalf("step issued during ack wait was lost: report step = %d, want 2", second.Step)
	}

	cancel()
	done()
	select {
	case <-agentDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent did not stop")
	}
}

func TestAgent_RegistrationExhaustionFatal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		mustWrite(t, conn, protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			Accepted:        false,
			Code:            protocol.ErrZoneConflict,
			Message:         "zone already live",
		})
	}))
	defer srv.Close()

	a := testAgent("ws" + strings.TrimPrefix(srv.URL, "http"))
	err := a.Run(context.Background())
	if err == nil {
		t.Fatalf("run returned nil after rejected registrations")
	}
	if !strings.Contains(err.Error(), "registration exhausted") {
		t.Fatalf("err = %v, want registration exhaustion", err)
	}
}

func TestAgent_RunStopsOnCancel(t *testing.T) {
	a := testAgent("ws://127.0.0.1:1/v1/worker")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx); err == nil {
		t.Fatalf("run returned nil on cancelled context")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
