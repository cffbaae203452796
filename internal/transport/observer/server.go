package observer

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trafficmesh/internal/master/aggregate"
	"trafficmesh/internal/observerproto"
)

// Bootstrap answers GET /v1/observer/bootstrap with enough context for a
// dashboard to size its canvases before the first frame arrives.
type Bootstrap struct {
	StepIntervalMs int
	HistoryDepth   int
}

// Server streams settled global snapshots to passive observers. Each
// connection drains its own subscription; a slow or broken observer is
// dropped silently and never stalls the coordinator or other observers.
type Server struct {
	bcast *aggregate.Broadcaster
	boot  Bootstrap
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(bcast *aggregate.Broadcaster, boot Bootstrap, logger *log.Logger) *Server {
	return &Server{
		bcast: bcast,
		boot:  boot,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			StepIntervalMs:  s.boot.StepIntervalMs,
			HistoryDepth:    s.boot.HistoryDepth,
		}
		if gs, ok := s.bcast.Latest(); ok {
			resp.Step = gs.Step
			resp.Zones = make([]string, 0, len(gs.Zones))
			for z := range gs.Zones {
				resp.Zones = append(resp.Zones, z)
			}
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		id, frames := s.bcast.Subscribe()
		defer s.bcast.Unsubscribe(id)

		// Writer goroutine: frames arrive in step order; a write error ends
		// the subscription.
		writeErr := make(chan struct{})
		go func() {
			defer close(writeErr)
			for gs := range frames {
				b, err := json.Marshal(frameFrom(gs))
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}()

		// Reader loop: tolerate repeated SUBSCRIBEs, detect disconnect.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		// Unsubscribing closes the frame channel, which stops the writer.
		s.bcast.Unsubscribe(id)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait so the writer doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func frameFrom(gs aggregate.GlobalSnapshot) observerproto.FrameMsg {
	return observerproto.FrameMsg{
		Type:            "FRAME",
		ProtocolVersion: observerproto.Version,
		Step:            gs.Step,
		Partial:         gs.Partial,
		Zones:           gs.Zones,
		StaleZones:      gs.StaleZones,
		TotalVehicles:   gs.TotalVehicles,
		LiveWorkers:     gs.LiveWorkers,
		History:         gs.History,
	}
}
