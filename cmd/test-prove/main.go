// cmd/test-prove runs one proof job end to end with every component in
// memory, without NATS or a remote pinning service.
//
// Usage:
//
//	./test-prove -subject u1 -trait BRCA1
//	./test-prove -trait CYP2D6 -genome genome.json -threshold 1.2 -scale 0.1
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/simple-prover/internal/cache"
	"github.com/tendant/simple-prover/internal/config"
	"github.com/tendant/simple-prover/internal/jobstore"
	"github.com/tendant/simple-prover/internal/notify"
	"github.com/tendant/simple-prover/internal/pinning"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/prover"
	"github.com/tendant/simple-prover/internal/queue"
	"github.com/tendant/simple-prover/internal/store"
	"github.com/tendant/simple-prover/internal/submit"
	"github.com/tendant/simple-prover/internal/worker"
	"github.com/tendant/simple-prover/pkg/schema"
)

const sampleGenome = `{
  "patientId": "%s",
  "markers": {
    "BRCA1_185delAG": true,
    "BRCA2_5266dupC": false,
    "CYP2D6": {"activityScore": 1.5, "metabolizer": "normal"}
  }
}`

func main() {
	subject := flag.String("subject", "u1", "subject id")
	trait := flag.String("trait", "BRCA1", "trait type ("+strings.Join(prover.Traits(), ", ")+")")
	threshold := flag.Float64("threshold", -1, "optional threshold (negative means none)")
	genomePath := flag.String("genome", "", "genome JSON file (default: built-in sample)")
	scale := flag.Float64("scale", 0.05, "simulated proving time multiplier")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	verbose := flag.Bool("v", false, "log component output")
	flag.Parse()

	level := "error"
	if *verbose {
		level = "debug"
	}
	logger := config.NewLogger(os.Stderr, "tint", level)

	genome := []byte(fmt.Sprintf(sampleGenome, *subject))
	if *genomePath != "" {
		b, err := os.ReadFile(*genomePath)
		if err != nil {
			log.Fatalf("read genome: %v", err)
		}
		genome = b
	}
	var th *float64
	if *threshold >= 0 {
		th = threshold
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "test-prove-")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(dir, "prover.db"))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	pins := pinning.New(nil, st, pinning.Config{Gateways: []string{}}, logger)
	if _, err := submit.NewIntake(pins, logger).Upload(ctx, *subject, genome); err != nil {
		log.Fatalf("upload genome: %v", err)
	}

	hub := notify.NewHub(128)
	defer hub.Close()
	events := hub.Subscribe(*subject)

	jobs := jobstore.NewMemory(time.Hour)
	results := cache.NewMemory()
	q := queue.NewMemory(16)

	pool := worker.New(worker.Deps{
		Queue:     q,
		Jobs:      jobs,
		Cache:     results,
		Inputs:    pins,
		Artifacts: st,
		Prover:    prover.NewSimulated(*scale),
		Publisher: hub,
	}, worker.Config{Concurrency: 1, TickInterval: 50 * time.Millisecond}, logger)

	poolCtx, stopPool := context.WithCancel(ctx)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(poolCtx) }()

	sub := submit.New(jobs, results, q, submit.Config{}, nil, logger)
	job, err := sub.Submit(ctx, submit.Request{SubjectID: *subject, TraitType: *trait, Threshold: th})
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	fmt.Printf("job %s queued, estimated %ds at scale 1\n", job.ID, submit.EstimatedSeconds(job.TraitType))

	start := time.Now()
	final, err := follow(ctx, events.C(), sub, job.ID)
	stopPool()
	<-poolDone
	if err != nil {
		log.Fatalf("job %s: %v", job.ID, err)
	}

	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("status: %s  time: %v\n", final.Status, time.Since(start).Round(time.Millisecond))
	if final.Status != process.JobStatusComplete {
		fmt.Printf("error: %s (%s)\n", final.Error, final.ErrorCode)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(final.Result, "", "  ")
	fmt.Println(string(out))
}

// follow prints progress events until the job reaches a terminal state.
func follow(ctx context.Context, events <-chan notify.Event, sub *submit.Submitter, jobID string) (*process.Job, error) {
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, errors.New("event channel closed")
			}
			switch p := ev.Payload.(type) {
			case schema.ProgressUpdate:
				fmt.Printf("%3d%%  %s\n", p.Progress, p.Stage)
			case schema.JobError:
				fmt.Printf("error %s: %s\n", p.Code, p.Error)
			}
		case <-poll.C:
		}
		job, err := sub.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
	}
}
