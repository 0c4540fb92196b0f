package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	failN  int // fail this many publishes, then recover
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink offline")
	}
	if s.failN > 0 {
		s.failN--
		return errors.New("sink busy")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRelay_DeliversToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	r := NewRelay(16, nil, a, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.PublishReceipt(model.Receipt{JobID: "job-1"})
	r.ReleaseEscrow(model.EscrowRelease{Party: "alice", Amount: decimal.NewFromInt(4), Reference: "job-1"})

	waitFor(t, func() bool { return a.count() == 2 && b.count() == 2 })
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.events[0].Kind != KindReceipt || a.events[0].Key != "job-1" {
		t.Errorf("unexpected first event: %+v", a.events[0])
	}
	if a.events[1].Kind != KindEscrow || a.events[1].Key != "alice" {
		t.Errorf("unexpected second event: %+v", a.events[1])
	}
	if a.events[0].ID == "" || a.events[0].ID == a.events[1].ID {
		t.Error("events should carry distinct ids")
	}
}

func TestRelay_FullQueueDropsWithoutBlocking(t *testing.T) {
	r := NewRelay(1, nil, &recordingSink{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.PublishAudit(model.AuditRecord{Sequence: uint64(i + 1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing blocked on a full relay")
	}
	if r.Pending() != 1 {
		t.Errorf("expected one queued event, got %d", r.Pending())
	}
}

func (s *recordingSink) kinds(k Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func TestRelay_FullQueueStillDeliversEscrow(t *testing.T) {
	sink := &recordingSink{}
	r := NewRelay(1, nil, sink)
	for i := 0; i < 10; i++ {
		r.PublishAudit(model.AuditRecord{Sequence: uint64(i + 1)})
	}
	r.ReleaseEscrow(model.EscrowRelease{Party: "alice", Amount: decimal.NewFromInt(30), Reference: "order-1", Reason: "order_cancelled"})
	if r.Outstanding() != 1 {
		t.Fatalf("escrow release should wait in the outbox, got %d", r.Outstanding())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, func() bool { return sink.kinds(KindEscrow) == 1 })
	waitFor(t, func() bool { return r.Outstanding() == 0 })
}

func TestRelay_EscrowRetriedUntilAccepted(t *testing.T) {
	flaky, steady := &recordingSink{failN: 2}, &recordingSink{}
	r := NewRelay(4, nil, flaky, steady)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.ReleaseEscrow(model.EscrowRelease{Party: "alice", Amount: decimal.NewFromInt(4), Reference: "job-1"})

	waitFor(t, func() bool { return flaky.kinds(KindEscrow) == 1 })
	waitFor(t, func() bool { return r.Outstanding() == 0 })
	if n := steady.kinds(KindEscrow); n != 1 {
		t.Errorf("a sink that accepted the release must not get it again, got %d", n)
	}
	flaky.mu.Lock()
	steady.mu.Lock()
	if flaky.events[0].ID != steady.events[0].ID {
		t.Error("retries should carry the original event id")
	}
	steady.mu.Unlock()
	flaky.mu.Unlock()
}

func TestRelay_FailingSinkDoesNotStopOthers(t *testing.T) {
	bad, good := &recordingSink{fail: true}, &recordingSink{}
	r := NewRelay(4, nil, bad, good)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.PublishReputation(model.ReputationDelta{ProviderID: "prov-1", Delta: -0.2})
	waitFor(t, func() bool { return good.count() == 1 })
}

func TestRelay_FlushesOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	r := NewRelay(8, nil, sink)
	r.PublishActivation(model.ActivationTransition{Version: 1})
	r.PublishActivation(model.ActivationTransition{Version: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	if sink.count() != 2 {
		t.Errorf("expected queued events flushed on shutdown, got %d", sink.count())
	}
}

func TestDecodeCompletion(t *testing.T) {
	sig, err := DecodeCompletion([]byte(`{"job_id":"job-1","success":true,"proof_reference":"p-1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sig.JobID != "job-1" || !sig.Success || sig.ProofReference != "p-1" {
		t.Errorf("unexpected signal: %+v", sig)
	}

	for _, raw := range []string{`{"success":true}`, `not json`} {
		if _, err := DecodeCompletion([]byte(raw)); !errors.Is(err, ErrInvalidCompletion) {
			t.Errorf("%q: expected ErrInvalidCompletion, got %v", raw, err)
		}
	}
}

func TestTopicAndSubjectNaming(t *testing.T) {
	k := NewKafkaPublisher([]string{"localhost:9092"}, "computex")
	defer k.Close()
	if got := k.Topic(KindReceipt); got != "computex.receipt" {
		t.Errorf("unexpected topic %q", got)
	}
	n := NewNATSPublisher(nil, "computex")
	if got := n.Subject(KindAudit); got != "computex.audit" {
		t.Errorf("unexpected subject %q", got)
	}
}
