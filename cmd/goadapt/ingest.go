package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/goadapt/internal/events"
)

const maxLineBytes = 4 << 20

// ingestReport summarizes one ingest.
type ingestReport struct {
	Read            int `json:"read"`
	Enqueued        int `json:"enqueued"`
	Malformed       int `json:"malformed"`
	Pending         int `json:"pending"`
	DeadLetterDepth int `json:"dead_letter_depth"`
}

func newIngestCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "ingest [file.jsonl|-]",
		Short: "Canonicalize JSON-lines events, enqueue them and process until drained",
		Long: `Each line is one raw event object. Aliased field names are accepted and
malformed lines are reported and skipped. Events are durably enqueued
before processing, so an interrupted ingest resumes on the next serve.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			rep, err := runIngest(cmd.Context(), in, wait)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "read %d, enqueued %d, malformed %d, pending %d, dead letters %d\n",
				rep.Read, rep.Enqueued, rep.Malformed, rep.Pending, rep.DeadLetterDepth)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the stream to drain")
	return cmd
}

func runIngest(ctx context.Context, in io.Reader, wait time.Duration) (ingestReport, error) {
	var rep ingestReport
	cfg, err := loadConfig()
	if err != nil {
		return rep, err
	}
	logger, closer, err := newLogger(cfg, true)
	if err != nil {
		return rep, err
	}
	defer closer.Close()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return rep, err
	}
	defer a.Close(context.Background())

	if err := a.consumer.Start(ctx); err != nil {
		return rep, fmt.Errorf("stream start: %w", err)
	}
	defer a.consumer.Stop()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		rep.Read++
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			rep.Malformed++
			logger.Warn("ingest: line is not a JSON object", "line", line, "error", err)
			continue
		}
		ev, err := events.Canonicalize(obj)
		if err != nil {
			var malformed *events.MalformedEventError
			if errors.As(err, &malformed) {
				rep.Malformed++
				logger.Warn("ingest: malformed event", "line", line, "error", err)
				continue
			}
			return rep, err
		}
		if err := a.consumer.Enqueue(ctx, ev); err != nil {
			return rep, fmt.Errorf("line %d: %w", line, err)
		}
		rep.Enqueued++
	}
	if err := sc.Err(); err != nil {
		return rep, fmt.Errorf("read events: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	h, err := a.waitDrained(waitCtx, 20*time.Millisecond)
	rep.Pending = h.PendingDepth
	rep.DeadLetterDepth = h.DeadLetterDepth
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return rep, err
	}
	if rep.Pending > 0 {
		logger.Warn("ingest: stream not drained; remaining events stay pending", "pending", rep.Pending)
	}
	return rep, nil
}
