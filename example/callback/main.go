package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/pkg/contextedge"
)

func main() {
	flow, err := contextedge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(out contextedge.Outcome) {
		if out.Debounced {
			return
		}
		rec := out.Record
		fmt.Printf("%s %s id=%s label=%s confidence=%.2f review=%t\n",
			rec.EmittedAt.Format(time.RFC3339Nano),
			out.Event.Identifier,
			rec.ID,
			rec.Label,
			rec.Confidence,
			out.Feedback != nil,
		)
	}

	rt, err := flow.StreamOUT(contextedge.StreamOutCallback(callback))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("start runtime: %v", err)
	}

	// simulated scanner on press-1
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.Shutdown(shutdownCtx); err != nil {
				log.Fatalf("shutdown: %v", err)
			}
			return
		case t := <-ticker.C:
			ev := contextedge.IdentifierEvent{
				Identifier:   fmt.Sprintf("QM-BATCH-%04d", i),
				SourceDevice: "press-1",
				Timestamp:    t,
			}
			if err := rt.Dispatch(ctx, ev); err != nil {
				log.Printf("dispatch: %v", err)
			}
		}
	}
}
