package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	contextedge "github.com/Context-Injection-Edge/Context-Edge-sub001"
)

// Scans one identifier against a running runtime and prints the labeled
// record, then keeps serving until interrupted.
func main() {
	cfgPath := flag.String("config", "../../data/config.yaml", "config file")
	device := flag.String("device", "press-1", "device the scanner is mounted on")
	identifier := flag.String("id", "QM-BATCH-0001", "scanned identifier")
	flag.Parse()

	cfg, err := contextedge.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rt, err := contextedge.NewEdgeRuntime(cfg)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start runtime: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	// give the first poll a chance to fill the snapshot
	time.Sleep(2 * time.Second)

	out, err := rt.Submit(ctx, contextedge.IdentifierEvent{
		Identifier:   *identifier,
		SourceDevice: *device,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		log.Fatalf("submit %s: %v", *identifier, err)
	}
	rec := out.Record
	fmt.Printf("record %s label=%s confidence=%.2f model=%s\n", rec.ID, rec.Label, rec.Confidence, rec.ModelVersion)
	fmt.Printf("  context hit=%t stale=%t deadline=%t\n",
		rec.Fusion.Context.Hit, rec.Fusion.Flags.SensorsStale, rec.Fusion.Flags.DeadlineExceeded)
	for name, r := range rec.Fusion.Snapshot.Readings {
		fmt.Printf("  %-12s %8.2f %s valid=%t\n", name, r.Value, r.Unit, r.Valid)
	}
	if out.Feedback != nil {
		fmt.Printf("  queued for review, priority=%s\n", out.Feedback.Priority)
	}

	<-ctx.Done()
}
