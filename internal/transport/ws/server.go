package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trafficmesh/internal/master/coordinator"
	"trafficmesh/internal/master/registry"
	"trafficmesh/internal/protocol"
)

// RegistrationLog records accepted registrations; may be nil.
type RegistrationLog interface {
	RecordRegistration(zone, workerID, addr string, at time.Time)
}

// Server owns the worker-facing websocket endpoint: registration handshake,
// report ingestion, and step-command delivery (it is the coordinator's
// Dispatcher).
type Server struct {
	reg   *registry.Registry
	coord *coordinator.Coordinator
	log   *log.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session // by zone

	regLog RegistrationLog
}

type session struct {
	zone     string
	workerID string
	out      chan []byte
}

func NewServer(reg *registry.Registry, logger *log.Logger) *Server {
	return &Server{
		reg: reg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
	}
}

// SetCoordinator breaks the construction cycle: the coordinator needs the
// server as Dispatcher, the server needs the coordinator for step numbers.
func (s *Server) SetCoordinator(c *coordinator.Coordinator) { s.coord = c }

func (s *Server) SetRegistrationLog(rl RegistrationLog) { s.regLog = rl }

// SessionCount is the number of attached worker connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DispatchStep implements coordinator.Dispatcher. Fire-and-forget: a full or
// missing session drops the command; the report deadline handles the rest.
func (s *Server) DispatchStep(zone string, step uint64) {
	s.mu.Lock()
	sess := s.sessions[zone]
	s.mu.Unlock()
	if sess == nil {
		return
	}
	b, err := json.Marshal(protocol.StepMsg{
		Type:            protocol.TypeStep,
		ProtocolVersion: protocol.Version,
		Step:            step,
	})
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
		s.log.Printf("step %d: command to zone %s dropped (session backlog)", step, zone)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		defer s.dropSession(sess)

		done := make(chan struct{})
		defer close(done)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-done:
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeReport {
				continue
			}
			s.handleReport(sess, msg)
		}
	}
}

// handshake reads the REGISTER message and admits or rejects the worker.
func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeRegister {
		s.reject(conn, protocol.ErrProtoBadRequest, "expected REGISTER")
		return nil
	}
	var reg protocol.RegisterMsg
	if err := json.Unmarshal(msg, &reg); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, "malformed REGISTER")
		return nil
	}
	if reg.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrProtoBadRequest, "bad protocol_version")
		return nil
	}
	if reg.Zone == "" || reg.WorkerID == "" {
		s.reject(conn, protocol.ErrProtoBadRequest, "missing zone or worker_id")
		return nil
	}

	now := time.Now()
	if _, err := s.reg.Register(reg.Zone, reg.WorkerID, reg.Addr, now); err != nil {
		if errors.Is(err, registry.ErrZoneConflict) {
			s.reject(conn, protocol.ErrZoneConflict, "zone already live")
		} else {
			s.reject(conn, protocol.ErrInternal, err.Error())
		}
		return nil
	}
	if s.regLog != nil {
		s.regLog.RecordRegistration(reg.Zone, reg.WorkerID, reg.Addr, now)
	}

	sess := &session{zone: reg.Zone, workerID: reg.WorkerID, out: make(chan []byte, 16)}
	s.mu.Lock()
	s.sessions[reg.Zone] = sess
	s.mu.Unlock()

	joinStep := uint64(1)
	if s.coord != nil {
		joinStep = s.coord.CurrentStep() + 1
	}
	if err := writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Accepted:        true,
		Zone:            reg.Zone,
		JoinStep:        joinStep,
	}); err != nil {
		s.dropSession(sess)
		return nil
	}
	s.log.Printf("registered worker %s for zone %s (join step %d)", reg.WorkerID, reg.Zone, joinStep)
	return sess
}

// handleReport validates, forwards, and acks one REPORT message. A malformed
// payload is rejected and counted as a missed report; the zone resyncs at the
// next step command.
func (s *Server) handleReport(sess *session, msg []byte) {
	if err := protocol.ValidateReport(msg); err != nil {
		s.log.Printf("zone %s: malformed report: %v", sess.zone, err)
		s.ack(sess, protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          protocol.TypeReport,
			Accepted:        false,
			Code:            protocol.ErrBadSnapshot,
			Message:         "snapshot failed validation",
		})
		return
	}
	var rep protocol.ReportMsg
	if err := json.Unmarshal(msg, &rep); err != nil {
		s.ack(sess, protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          protocol.TypeReport,
			Accepted:        false,
			Code:            protocol.ErrBadSnapshot,
		})
		return
	}
	if rep.Zone != sess.zone || rep.WorkerID != sess.workerID {
		s.ack(sess, protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          protocol.TypeReport,
			Accepted:        false,
			Code:            protocol.ErrNotRegistered,
			Message:         "zone or worker mismatch",
			Step:            rep.Step,
		})
		return
	}

	// A late report still counts as a sign of life even though the settled
	// step ignores its payload.
	s.reg.Touch(sess.zone, time.Now())
	if s.coord != nil {
		if rep.Step <= s.coord.CurrentStep() {
			s.ack(sess, protocol.AckMsg{
				Type:            protocol.TypeAck,
				ProtocolVersion: protocol.Version,
				AckFor:          protocol.TypeReport,
				Accepted:        false,
				Code:            protocol.ErrStaleStep,
				Message:         "step already settled",
				Step:            rep.Step,
			})
			return
		}
		s.coord.Ingest(coordinator.Report{Zone: rep.Zone, Step: rep.Step, Snapshot: rep.Snapshot})
	}
	s.ack(sess, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          protocol.TypeReport,
		Accepted:        true,
		Step:            rep.Step,
	})
}

func (s *Server) ack(sess *session, ack protocol.AckMsg) {
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
	}
}

// dropSession detaches the connection and pushes the zone out of the
// must-report set until it re-registers. Only the session that still owns the
// zone may stale it; a replaced session's close must not touch the record of
// the worker that took over.
func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	owned := s.sessions[sess.zone] == sess
	if owned {
		delete(s.sessions, sess.zone)
	}
	s.mu.Unlock()
	if owned && s.reg.MarkStale(sess.zone) {
		s.log.Printf("zone %s disconnected, marked stale", sess.zone)
	}
}

func (s *Server) reject(conn *websocket.Conn, code, msg string) {
	_ = writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Accepted:        false,
		Code:            code,
		Message:         msg,
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
