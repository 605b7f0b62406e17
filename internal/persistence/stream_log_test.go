package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/persistence"
)

func appendOrFail(t *testing.T, store *persistence.Store, id, partition string) {
	t.Helper()
	inserted, err := store.AppendEvent(context.Background(), id, partition, "USER_MESSAGE", []byte(`{"id":"`+id+`"}`))
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	if !inserted {
		t.Fatalf("append %s: expected insert", id)
	}
}

func TestAppendEvent_DuplicateIsNoop(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	appendOrFail(t, store, "e1", "u1")
	inserted, err := store.AppendEvent(ctx, "e1", "u1", "USER_MESSAGE", []byte(`{}`))
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if inserted {
		t.Fatal("duplicate append should report inserted=false")
	}
	h, err := store.StreamHealth(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.PendingDepth != 1 {
		t.Fatalf("pending depth = %d, want 1", h.PendingDepth)
	}
}

func TestHeadOfPartition_FIFOAndAck(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	appendOrFail(t, store, "a1", "alice")
	appendOrFail(t, store, "b1", "bob")
	appendOrFail(t, store, "a2", "alice")

	head, err := store.HeadOfPartition(ctx, "alice")
	if err != nil || head == nil {
		t.Fatalf("head: %v %v", head, err)
	}
	if head.EventID != "a1" {
		t.Fatalf("head = %s, want a1", head.EventID)
	}
	if ok, err := store.AckEvent(ctx, head.Seq); err != nil || !ok {
		t.Fatalf("ack: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.AckEvent(ctx, head.Seq); ok {
		t.Fatal("second ack should be a no-op")
	}
	head, _ = store.HeadOfPartition(ctx, "alice")
	if head == nil || head.EventID != "a2" {
		t.Fatalf("head after ack = %+v, want a2", head)
	}

	parts, err := store.PendingPartitions(ctx)
	if err != nil {
		t.Fatalf("pending partitions: %v", err)
	}
	if len(parts) != 2 || parts[0] != "bob" || parts[1] != "alice" {
		t.Fatalf("pending partitions = %v, want [bob alice]", parts)
	}
}

func TestHandleEventFailure_RetryThenDeadLetter(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicEventDeadLetter)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(t.TempDir()+"/dlq.db", b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	clock := withClock(store)
	ctx := context.Background()
	appendOrFail(t, store, "e1", "u1")
	appendOrFail(t, store, "e2", "u1")

	policy := persistence.RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	head, _ := store.HeadOfPartition(ctx, "u1")

	for attempt := 1; attempt < 3; attempt++ {
		d, err := store.HandleEventFailure(ctx, head.Seq, "boom", false, policy)
		if err != nil {
			t.Fatalf("failure %d: %v", attempt, err)
		}
		if d.Outcome != persistence.FailureOutcomeRetried || d.ReasonCode != persistence.ReasonRetryHandlerError {
			t.Fatalf("failure %d decision = %+v, want retry", attempt, d)
		}
		if d.Attempt != attempt || d.BackoffUntil == nil || !d.BackoffUntil.After(clock.Now()) {
			t.Fatalf("failure %d decision = %+v", attempt, d)
		}
		clock.Advance(time.Second)
	}

	d, err := store.HandleEventFailure(ctx, head.Seq, "boom", false, policy)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if d.Outcome != persistence.FailureOutcomeDeadLetter || d.ReasonCode != persistence.ReasonDeadLetterMaxRetries {
		t.Fatalf("final decision = %+v, want dead letter", d)
	}

	dls, err := store.ListDeadLetters(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].EventID != "e1" || dls[0].RetryCount != 3 || dls[0].FailureReason != "boom" {
		t.Fatalf("dead letters = %+v", dls)
	}
	if !dls[0].FirstFailedAt.Before(dls[0].DeadLetteredAt) {
		t.Fatalf("first failure %v should precede dead-lettering %v", dls[0].FirstFailedAt, dls[0].DeadLetteredAt)
	}

	next, _ := store.HeadOfPartition(ctx, "u1")
	if next == nil || next.EventID != "e2" {
		t.Fatalf("dead-lettered event must not block partition, head = %+v", next)
	}
	ev, err := store.GetStreamEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("get e1: %v", err)
	}
	if ev.Status != persistence.EventStatusDeadLettered {
		t.Fatalf("status = %s, want DEAD_LETTERED", ev.Status)
	}

	select {
	case got := <-sub.Ch():
		p, ok := got.Payload.(bus.DeadLettered)
		if !ok || p.EventID != "e1" || p.RetryCount != 3 {
			t.Fatalf("unexpected bus payload %#v", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected dead-letter bus event")
	}

	if _, err := store.HandleEventFailure(ctx, head.Seq, "again", false, policy); err == nil {
		t.Fatal("failure on a dead-lettered event should error")
	}
}

func TestHandleEventFailure_PermanentSkipsRetry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	appendOrFail(t, store, "e1", "u1")
	head, _ := store.HeadOfPartition(ctx, "u1")

	d, err := store.HandleEventFailure(ctx, head.Seq, "bad payload", true, persistence.RetryPolicy{})
	if err != nil {
		t.Fatalf("handle failure: %v", err)
	}
	if d.Outcome != persistence.FailureOutcomeDeadLetter || d.ReasonCode != persistence.ReasonDeadLetterPermanent || d.Attempt != 1 {
		t.Fatalf("decision = %+v", d)
	}
	h, _ := store.StreamHealth(ctx)
	if h.PendingDepth != 0 || h.DeadLetterDepth != 1 {
		t.Fatalf("health = %+v", h)
	}
}

func TestHandleEventFailure_UnknownSeq(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.HandleEventFailure(context.Background(), 999, "x", false, persistence.RetryPolicy{})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStreamHealth_PartitionLag(t *testing.T) {
	store, _ := openTestStore(t)
	clock := withClock(store)
	ctx := context.Background()
	appendOrFail(t, store, "a1", "alice")
	clock.Advance(2 * time.Second)
	appendOrFail(t, store, "b1", "bob")
	clock.Advance(3 * time.Second)

	h, err := store.StreamHealth(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.PendingDepth != 2 || len(h.Partitions) != 2 {
		t.Fatalf("health = %+v", h)
	}
	if h.Partitions[0].PartitionKey != "alice" || h.Partitions[0].LagMs != 5000 {
		t.Fatalf("alice lag = %+v, want 5000ms", h.Partitions[0])
	}
	if h.Partitions[1].LagMs != 3000 {
		t.Fatalf("bob lag = %+v, want 3000ms", h.Partitions[1])
	}
}
