package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trafficmesh/internal/sim/tuning"
	"trafficmesh/internal/sim/zone"
	"trafficmesh/internal/worker/agent"
)

func main() {
	var (
		masterURL  = flag.String("master", "ws://localhost:5000/v1/worker", "master worker websocket url")
		zoneID     = flag.String("zone", "", "zone owned by this worker (e.g. North)")
		selfAddr   = flag.String("addr", "", "advisory callback address recorded by the master")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		seed       = flag.Int64("seed", 0, "zone rng seed (default: derived from zone name)")
		fresh      = flag.Bool("fresh", false, "start with an empty zone instead of the initial population")
	)
	flag.Parse()

	if *zoneID == "" {
		log.Fatal("missing required -zone")
	}

	logger := log.New(os.Stdout, "[worker "+*zoneID+"] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	s := *seed
	if s == 0 {
		s = seedFromZone(*zoneID)
	}
	eng := zone.New(tune.Zone, *zoneID, s)
	if !*fresh {
		eng.SeedInitialVehicles()
	}
	logger.Printf("zone %s ready: %d vehicles, seed %d", *zoneID, eng.VehicleCount(), s)

	a := agent.New(agent.Config{
		MasterURL:     *masterURL,
		Zone:          *zoneID,
		Addr:          *selfAddr,
		ReportTimeout: time.Duration(tune.ReportDeadlineMs) * time.Millisecond,
	}, eng, logger)

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("agent: %v", err)
	}
}

// seedFromZone keeps unseeded runs deterministic per zone name.
func seedFromZone(zone string) int64 {
	h := int64(1469598103934665603)
	for _, c := range zone {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
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
