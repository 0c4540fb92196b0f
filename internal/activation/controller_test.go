package activation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/store"
)

// failingStore rejects every append.
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) AppendTransition(context.Context, model.ActivationTransition) error {
	return errors.New("disk full")
}

func TestController_StartsDryRun(t *testing.T) {
	c := New(store.NewMemoryStore())
	if c.Mode() != model.ModeDryRun || c.Version() != 0 {
		t.Errorf("expected DryRun v0, got %s v%d", c.Mode(), c.Version())
	}
}

func TestController_ArmTickReal(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New(store.NewMemoryStore(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	tr, err := c.Arm(ctx, time.Minute, "launch")
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if tr.Version != 1 || c.Mode() != model.ModeArmed {
		t.Fatalf("expected Armed v1, got %s v%d", c.Mode(), tr.Version)
	}

	promoted, err := c.Tick(ctx)
	if err != nil || promoted {
		t.Fatalf("tick before timelock should not promote: %v %v", promoted, err)
	}

	now = now.Add(time.Minute)
	promoted, err = c.Tick(ctx)
	if err != nil || !promoted {
		t.Fatalf("tick at timelock should promote: %v %v", promoted, err)
	}
	if c.Mode() != model.ModeReal || c.Version() != 2 {
		t.Errorf("expected Real v2, got %s v%d", c.Mode(), c.Version())
	}
}

func TestController_InvalidTransitions(t *testing.T) {
	c := New(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := c.CancelArm(ctx, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel arm from DryRun: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := c.ForceDryRun(ctx, "panic"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("force from DryRun: expected ErrInvalidTransition, got %v", err)
	}
	c.Arm(ctx, time.Hour, "")
	if _, err := c.Arm(ctx, time.Hour, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double arm: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := c.ForceDryRun(ctx, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("force without reason: expected ErrInvalidTransition, got %v", err)
	}
	if c.Version() != 1 {
		t.Errorf("rejected transitions must not bump the version, got %d", c.Version())
	}
}

func TestController_CancelArm(t *testing.T) {
	c := New(store.NewMemoryStore())
	ctx := context.Background()
	c.Arm(ctx, time.Hour, "")
	if _, err := c.CancelArm(ctx, "operator"); err != nil {
		t.Fatalf("cancel arm: %v", err)
	}
	if c.Mode() != model.ModeDryRun {
		t.Errorf("expected DryRun, got %s", c.Mode())
	}
}

func TestController_ForceDryRunFromReal(t *testing.T) {
	c := New(store.NewMemoryStore())
	ctx := context.Background()
	c.Arm(ctx, 0, "")
	c.Tick(ctx)
	if c.Mode() != model.ModeReal {
		t.Fatalf("expected Real, got %s", c.Mode())
	}

	tr, err := c.ForceDryRun(ctx, "digest mismatch")
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if tr.From != model.ModeReal || tr.Reason != "digest mismatch" {
		t.Errorf("unexpected transition %+v", tr)
	}
}

func TestController_HoldModeDefersTransition(t *testing.T) {
	c := New(store.NewMemoryStore())
	ctx := context.Background()
	c.Arm(ctx, 0, "")
	c.Tick(ctx)

	mode, release := c.HoldMode()
	if mode != model.ModeReal {
		t.Fatalf("expected Real, got %s", mode)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.ForceDryRun(ctx, "operator")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("transition committed while the mode was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if c.Mode() != model.ModeReal {
		t.Errorf("mode changed under a hold: %s", c.Mode())
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("force: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("transition still blocked after release")
	}
	if c.Mode() != model.ModeDryRun {
		t.Errorf("expected DryRun, got %s", c.Mode())
	}
}

func TestController_PersistFailureKeepsState(t *testing.T) {
	c := New(failingStore{store.NewMemoryStore()})
	_, err := c.Arm(context.Background(), time.Minute, "")
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if c.Mode() != model.ModeDryRun || c.Version() != 0 {
		t.Errorf("failed persist must leave DryRun v0, got %s v%d", c.Mode(), c.Version())
	}
}

func TestController_LoadRecoversLastCommitted(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()

	c := New(mem)
	c.Arm(ctx, 0, "")
	c.Tick(ctx)

	restarted := New(mem)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restarted.Mode() != model.ModeReal || restarted.Version() != 2 {
		t.Errorf("expected Real v2 after restart, got %s v%d", restarted.Mode(), restarted.Version())
	}

	// A second controller on the same history cannot write a stale version.
	stale := New(mem)
	if _, err := stale.Arm(ctx, 0, ""); !errors.Is(err, ErrPersist) {
		t.Errorf("stale writer should fail to persist, got %v", err)
	}
}
