package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"trafficmesh/internal/master/aggregate"
	"trafficmesh/internal/master/coordinator"
	"trafficmesh/internal/master/registry"
	"trafficmesh/internal/persistence/indexdb"
	persistlog "trafficmesh/internal/persistence/log"
	"trafficmesh/internal/sim/tuning"
	"trafficmesh/internal/transport/observer"
	"trafficmesh/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":5000", "http listen address")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[master] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	reg := registry.New()
	bcast := aggregate.NewBroadcaster(tune.HistoryDepth)
	wsServer := ws.NewServer(reg, logger)

	coord := coordinator.New(coordinator.Config{
		StepInterval:   time.Duration(tune.StepIntervalMs) * time.Millisecond,
		ReportDeadline: time.Duration(tune.ReportDeadlineMs) * time.Millisecond,
		StaleTimeout:   time.Duration(tune.StaleTimeoutMs) * time.Millisecond,
	}, reg, wsServer, bcast, logger)
	wsServer.SetCoordinator(coord)

	stepLog := persistlog.NewStepLogger(*dataDir)
	defer stepLog.Close()

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open run index: %v", err)
		}
		defer idx.Close()
		wsServer.SetRegistrationLog(idx)
		coord.SetStepLogger(multiStepLogger{a: stepLog, b: idx})
	} else {
		coord.SetStepLogger(stepLog)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := coord.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("coordinator stopped: %v", err)
		}
	}()

	// Background liveness sweep, independent of step settling.
	go func() {
		staleTimeout := time.Duration(tune.StaleTimeoutMs) * time.Millisecond
		ticker := time.NewTicker(staleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, z := range reg.Sweep(time.Now(), staleTimeout) {
					logger.Printf("sweep: zone %s marked stale", z)
				}
			}
		}
	}()

	obsServer := observer.NewServer(bcast, observer.Bootstrap{
		StepIntervalMs: tune.StepIntervalMs,
		HistoryDepth:   tune.HistoryDepth,
	}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP trafficmesh_step Current settled simulation step.\n")
		fmt.Fprintf(rw, "# TYPE trafficmesh_step gauge\n")
		fmt.Fprintf(rw, "trafficmesh_step %d\n", coord.CurrentStep())

		fmt.Fprintf(rw, "# HELP trafficmesh_live_workers Zones in the must-report set.\n")
		fmt.Fprintf(rw, "# TYPE trafficmesh_live_workers gauge\n")
		fmt.Fprintf(rw, "trafficmesh_live_workers %d\n", len(reg.LiveZones()))

		fmt.Fprintf(rw, "# HELP trafficmesh_worker_sessions Attached worker connections.\n")
		fmt.Fprintf(rw, "# TYPE trafficmesh_worker_sessions gauge\n")
		fmt.Fprintf(rw, "trafficmesh_worker_sessions %d\n", wsServer.SessionCount())

		fmt.Fprintf(rw, "# HELP trafficmesh_observers Connected observers.\n")
		fmt.Fprintf(rw, "# TYPE trafficmesh_observers gauge\n")
		fmt.Fprintf(rw, "trafficmesh_observers %d\n", bcast.SubscriberCount())

		totalVehicles := 0
		if gs, ok := bcast.Latest(); ok {
			totalVehicles = gs.TotalVehicles
		}
		fmt.Fprintf(rw, "# HELP trafficmesh_total_vehicles Vehicles across reporting zones.\n")
		fmt.Fprintf(rw, "# TYPE trafficmesh_total_vehicles gauge\n")
		fmt.Fprintf(rw, "trafficmesh_total_vehicles %d\n", totalVehicles)

		fmt.Fprintf(rw, "# HELP trafficmesh_settle_ms Last step settle duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE trafficmesh_settle_ms gauge\n")
		fmt.Fprintf(rw, "trafficmesh_settle_ms %.3f\n", float64(coord.LastSettleDuration().Microseconds())/1000.0)

		if idx != nil {
			fmt.Fprintf(rw, "# HELP trafficmesh_index_dropped Run-index writes lost to a full queue.\n")
			fmt.Fprintf(rw, "# TYPE trafficmesh_index_dropped counter\n")
			fmt.Fprintf(rw, "trafficmesh_index_dropped %d\n", idx.Dropped())
		}
	})
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Step    uint64                `json:"step"`
			State   string                `json:"state"`
			Workers []registry.RecordView `json:"workers"`
		}{
			Step:    coord.CurrentStep(),
			State:   coord.State().String(),
			Workers: reg.Views(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/v1/worker", wsServer.Handler())
	mux.HandleFunc("/v1/observe", obsServer.WSHandler())
	mux.HandleFunc("/v1/observer/bootstrap", obsServer.BootstrapHandler())

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Printf("listening on %s (step interval %dms, deadline %dms)", *addr, tune.StepIntervalMs, tune.ReportDeadlineMs)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("http: %v", err)
	}
}

// multiStepLogger fans one settled step out to the JSONL log and the run index.
type multiStepLogger struct {
	a *persistlog.StepLogger
	b *indexdb.SQLiteIndex
}

func (m multiStepLogger) WriteStep(e coordinator.StepLogEntry) error {
	_ = m.b.WriteStep(e)
	return m.a.WriteStep(e)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
