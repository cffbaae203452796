package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trafficmesh/internal/protocol"
	"trafficmesh/internal/sim/zone"
)

type Config struct {
	MasterURL string // ws://host:port/v1/worker
	Zone      string
	Addr      string // advisory callback address, recorded by the master

	RegisterAttempts int           // bounded; fatal after exhaustion
	RegisterBackoff  time.Duration // base backoff, grows linearly per attempt
	ReportTimeout    time.Duration // ack wait per report attempt
}

func (c *Config) normalize() {
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = 10
	}
	if c.RegisterBackoff <= 0 {
		c.RegisterBackoff = 2 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 5 * time.Second
	}
}

// Agent wraps one zone engine: it registers with the master, is driven by
// step commands, and pushes snapshots upstream. The engine is advanced only
// here, never concurrently.
type Agent struct {
	cfg Config
	eng *zone.Engine
	id  string
	log *log.Logger

	lastStep uint64
}

func New(cfg Config, eng *zone.Engine, logger *log.Logger) *Agent {
	cfg.normalize()
	return &Agent{
		cfg: cfg,
		eng: eng,
		id:  uuid.NewString(),
		log: logger,
	}
}

func (a *Agent) WorkerID() string { return a.id }

// Run registers and serves step commands until the context ends. A dropped
// connection triggers a fresh registration (the master issues a fresh record
// for the zone); registration exhaustion is fatal for this worker.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, joinStep, err := a.register(ctx)
		if err != nil {
			return err
		}
		a.log.Printf("registered zone %s, joining at step %d", a.cfg.Zone, joinStep)
		a.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Printf("connection lost, re-registering zone %s", a.cfg.Zone)
	}
}

// register dials and performs the REGISTER/WELCOME handshake with bounded,
// growing backoff. A RegistrationConflict backs off like a transport failure:
// the conflicting record may go stale and free the zone.
func (a *Agent) register(ctx context.Context) (*websocket.Conn, uint64, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.RegisterAttempts; attempt++ {
		if attempt > 1 {
			wait := a.cfg.RegisterBackoff * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(wait):
			}
		}
		conn, joinStep, err := a.tryRegister(ctx)
		if err == nil {
			return conn, joinStep, nil
		}
		lastErr = err
		a.log.Printf("registration attempt %d/%d failed: %v", attempt, a.cfg.RegisterAttempts, err)
	}
	return nil, 0, fmt.Errorf("registration exhausted after %d attempts: %w", a.cfg.RegisterAttempts, lastErr)
}

func (a *Agent) tryRegister(ctx context.Context) (*websocket.Conn, uint64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.MasterURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := writeJSON(conn, protocol.RegisterMsg{
		Type:            protocol.TypeRegister,
		ProtocolVersion: protocol.Version,
		Zone:            a.cfg.Zone,
		WorkerID:        a.id,
		Addr:            a.cfg.Addr,
	}); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("expected WELCOME")
	}
	if !welcome.Accepted {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("registration rejected: %s %s", welcome.Code, welcome.Message)
	}
	return conn, welcome.JoinStep, nil
}

// serve handles step commands until the connection breaks. The engine never
// advances ahead of the commanded step, and never reports a step it was not
// asked to compute. Commands read while an ack is outstanding are queued, not
// dropped, so a slow ack never costs the zone a step.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	var queued []uint64
	for {
		if ctx.Err() != nil {
			return
		}

		var step uint64
		if len(queued) > 0 {
			step = queued[0]
			queued = queued[1:]
		} else {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cmd, ok := decodeStep(msg)
			if !ok {
				continue
			}
			step = cmd.Step
		}
		if step <= a.lastStep {
			// Replay or duplicate; advancing again would double-count.
			continue
		}
		snap := a.eng.AdvanceStep(step)
		a.lastStep = step

		ok, deferred := a.report(conn, snap)
		if !ok {
			// One retry for the same snapshot, then wait for the next step
			// command rather than stalling behind a crashed master.
			var more []uint64
			ok, more = a.report(conn, snap)
			deferred = append(deferred, more...)
			if !ok {
				a.log.Printf("step %d: report failed twice, waiting for next command", step)
			}
		}
		queued = append(queued, deferred...)
	}
}

// report sends one REPORT and waits for its ACK. STEP commands that arrive
// while waiting are handed back to the serve loop for processing once the
// report resolves.
func (a *Agent) report(conn *websocket.Conn, snap protocol.ZoneSnapshot) (bool, []uint64) {
	var deferred []uint64
	if err := writeJSON(conn, protocol.ReportMsg{
		Type:            protocol.TypeReport,
		ProtocolVersion: protocol.Version,
		Zone:            a.cfg.Zone,
		WorkerID:        a.id,
		Step:            snap.Step,
		Snapshot:        snap,
	}); err != nil {
		return false, deferred
	}

	ackBy := time.Now().Add(a.cfg.ReportTimeout)
	for {
		_ = conn.SetReadDeadline(ackBy)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return false, deferred
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.Type == protocol.TypeStep {
			if cmd, ok := decodeStep(msg); ok {
				deferred = append(deferred, cmd.Step)
			}
			continue
		}
		if base.Type != protocol.TypeAck {
			continue
		}
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil {
			continue
		}
		if ack.AckFor != protocol.TypeReport || (ack.Step != 0 && ack.Step != snap.Step) {
			continue
		}
		if !ack.Accepted {
			a.log.Printf("step %d: report rejected: %s %s", snap.Step, ack.Code, ack.Message)
		}
		return ack.Accepted, deferred
	}
}

func decodeStep(msg []byte) (protocol.StepMsg, bool) {
	var cmd protocol.StepMsg
	if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Type != protocol.TypeStep {
		return protocol.StepMsg{}, false
	}
	return cmd, true
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
