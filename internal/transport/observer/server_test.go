package observer

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trafficmesh/internal/master/aggregate"
	"trafficmesh/internal/observerproto"
	"trafficmesh/internal/protocol"
)

func newObserverServer(t *testing.T) (*aggregate.Broadcaster, string, string, func()) {
	t.Helper()
	bcast := aggregate.NewBroadcaster(10)
	s := NewServer(bcast, Bootstrap{StepIntervalMs: 500, HistoryDepth: 10}, log.New(io.Discard, "", 0))
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observe", s.WSHandler())
	mux.HandleFunc("/v1/observer/bootstrap", s.BootstrapHandler())
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/observe"
	return bcast, wsURL, srv.URL + "/v1/observer/bootstrap", srv.Close
}

func globalSnap(step uint64, vehicles int) aggregate.GlobalSnapshot {
	return aggregate.GlobalSnapshot{
		Step:          step,
		TotalVehicles: vehicles,
		LiveWorkers:   1,
		Zones: map[string]protocol.ZoneSnapshot{
			"North": {Zone: "North", Step: step, Counters: protocol.ZoneCounters{Active: vehicles}},
		},
	}
}

func subscribe(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, _ := json.Marshal(observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version})
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) observerproto.FrameMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame observerproto.FrameMsg
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func TestBootstrap_ReportsRunContext(t *testing.T) {
	bcast, _, bootURL, done := newObserverServer(t)
	defer done()

	bcast.Merge(globalSnap(3, 42))

	resp, err := http.Get(bootURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.ProtocolVersion != observerproto.Version {
		t.Fatalf("version = %s", boot.ProtocolVersion)
	}
	if boot.Step != 3 || boot.StepIntervalMs != 500 || boot.HistoryDepth != 10 {
		t.Fatalf("bootstrap = %+v", boot)
	}
	if len(boot.Zones) != 1 || boot.Zones[0] != "North" {
		t.Fatalf("zones = %v", boot.Zones)
	}
}

func TestBootstrap_RejectsNonGet(t *testing.T) {
	_, _, bootURL, done := newObserverServer(t)
	defer done()

	resp, err := http.Post(bootURL, "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestObserver_ReceivesLatestThenLive(t *testing.T) {
	bcast, wsURL, _, done := newObserverServer(t)
	defer done()

	bcast.Merge(globalSnap(1, 10))
	bcast.Merge(globalSnap(2, 20))

	conn := subscribe(t, wsURL)
	defer conn.Close()

	first := readFrame(t, conn)
	if first.Step != 2 || first.TotalVehicles != 20 {
		t.Fatalf("first frame = step %d vehicles %d, want latest (2, 20)", first.Step, first.TotalVehicles)
	}
	if first.Type != "FRAME" || first.ProtocolVersion != observerproto.Version {
		t.Fatalf("frame envelope = %+v", first)
	}
	if len(first.History) != 2 {
		t.Fatalf("history = %+v, want 2 points", first.History)
	}

	// The subscription races the next merge; retry briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bcast.SubscriberCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	bcast.Merge(globalSnap(3, 30))

	next := readFrame(t, conn)
	if next.Step != 3 || next.TotalVehicles != 30 {
		t.Fatalf("live frame = step %d, want 3", next.Step)
	}
	if zs, ok := next.Zones["North"]; !ok || zs.Counters.Active != 30 {
		t.Fatalf("zone payload = %+v", next.Zones)
	}
}

func TestObserver_BadHandshakeClosed(t *testing.T) {
	_, wsURL, _, done := newObserverServer(t)
	defer done()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived bad handshake")
	}
}

func TestObserver_DisconnectUnsubscribes(t *testing.T) {
	bcast, wsURL, _, done := newObserverServer(t)
	defer done()

	bcast.Merge(globalSnap(1, 1))
	conn := subscribe(t, wsURL)
	readFrame(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bcast.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber leaked after disconnect")
}
