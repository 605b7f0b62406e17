// Command stream_crash_recovery drills crash recovery of the event stream.
// A harness runs it three times against one database: prepare, then
// consume-sleep (killed with SIGKILL mid-stream), then recover.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/basket/goadapt/internal/events"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/stream"
)

const (
	handlerName = "drill"
	users       = 4
	perUser     = 25
)

func main() {
	mode := flag.String("mode", "", "prepare|consume-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		c := stream.New(store, stream.Config{})
		n := 0
		for u := 0; u < users; u++ {
			for i := 0; i < perUser; i++ {
				ev := events.New(eventID(u, i), fmt.Sprintf("drill-u%d", u), "", "", events.TypeNavigate,
					map[string]any{"seq": i}, time.Now().UTC())
				if err := c.Enqueue(ctx, ev); err != nil {
					fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
					os.Exit(1)
				}
				n++
			}
		}
		fmt.Printf("PREPARED_EVENTS=%d\n", n)
	case "consume-sleep":
		c := newConsumer(store, 50*time.Millisecond, nil)
		if err := c.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "start: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("CONSUMING")
		for {
			time.Sleep(time.Second)
		}
	case "recover":
		var applied atomic.Int64
		c := newConsumer(store, 0, &applied)
		if err := c.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "start: %v\n", err)
			os.Exit(1)
		}
		deadline := time.Now().Add(30 * time.Second)
		var h stream.Health
		for time.Now().Before(deadline) {
			h, err = c.Health(ctx)
			if err == nil && h.PendingDepth == 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		c.Stop()

		missing := 0
		for u := 0; u < users; u++ {
			for i := 0; i < perUser; i++ {
				done, err := store.IsProcessed(ctx, handlerName, eventID(u, i))
				if err != nil || !done {
					missing++
				}
			}
		}
		fmt.Printf("APPLIED_AFTER_RESTART=%d PENDING=%d DEAD_LETTERS=%d MISSING=%d\n",
			applied.Load(), h.PendingDepth, h.DeadLetterDepth, missing)
		if h.PendingDepth == 0 && h.DeadLetterDepth == 0 && missing == 0 {
			fmt.Println("VERDICT PASS")
			return
		}
		fmt.Println("VERDICT FAIL: events lost or stuck after restart")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func eventID(user, i int) string {
	return fmt.Sprintf("drill-u%d-%03d", user, i)
}

// newConsumer registers an idempotent handler: the side effect is the
// processed marker itself, so a redelivered event is counted once.
func newConsumer(store *persistence.Store, delay time.Duration, applied *atomic.Int64) *stream.Consumer {
	c := stream.New(store, stream.Config{WorkerCount: users})
	c.Register(stream.HandlerFunc(handlerName, func(ctx context.Context, ev events.Event) error {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		inserted, err := store.MarkProcessed(ctx, handlerName, ev.ID)
		if err != nil {
			return err
		}
		if inserted && applied != nil {
			applied.Add(1)
		}
		return nil
	}))
	return c
}
