package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	contextedge "github.com/Context-Injection-Edge/Context-Edge-sub001"
)

func main() {
	flow, err := contextedge.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, outcomes, closeOutcomes := contextedge.NewChannelOutcomes(32)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reviewWorker("qa", outcomes)
	}()

	err = flow.Run(ctx, contextedge.StreamOutCallback(contextedge.ReviewOnly(handle)))
	closeOutcomes()
	<-done
	if err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func reviewWorker(name string, outcomes <-chan contextedge.Outcome) {
	for out := range outcomes {
		fmt.Printf("[%s] %s needs %s review (confidence %.2f) at %s\n",
			name, out.Record.ID, out.Feedback.Priority, out.Feedback.Confidence, time.Now().Format(time.RFC3339))
	}
}
