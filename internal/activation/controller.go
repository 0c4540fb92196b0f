// Package activation implements the settlement activation state machine.
//
//	DryRun ──arm──▶ Armed{activate_at} ──tick──▶ Real
//	  ▲               │                           │
//	  └──cancel_arm───┘◀────────force_dry_run─────┘
//
// The state is a versioned, append-only history. A transition is written to
// the store before it becomes visible, so a crash before the write resolves
// to the prior state and a crash after it resolves to the new one.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/store"
)

var (
	// ErrInvalidTransition is returned when the requested transition is not
	// allowed from the current mode.
	ErrInvalidTransition = errors.New("activation: invalid transition")

	// ErrPersist is returned when the transition could not be durably
	// recorded. The controller keeps its last known-good state.
	ErrPersist = errors.New("activation: transition not persisted")
)

// Publisher receives committed transitions. Implementations must not block.
type Publisher interface {
	PublishActivation(model.ActivationTransition)
}

type snapshot struct {
	state   model.ActivationState
	version uint64
}

// Controller is safe for concurrent use. Reads are lock-free; transitions
// serialize on a mutex.
type Controller struct {
	store  store.ActivationStore
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex // serializes transitions
	cur atomic.Pointer[snapshot]

	// gate is held shared by ledger actions for the length of a commit and
	// exclusively while a transition persists and publishes its new state.
	gate sync.RWMutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithPublisher sets where committed transitions are announced.
func WithPublisher(p Publisher) Option { return func(c *Controller) { c.pub = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New creates a controller in DryRun at version 0. Call Load to recover a
// persisted state.
func New(st store.ActivationStore, opts ...Option) *Controller {
	c := &Controller{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.cur.Store(&snapshot{state: model.ActivationState{Mode: model.ModeDryRun}})
	return c
}

// Load recovers the last durably committed state from history.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hist, err := c.store.ActivationHistory(ctx)
	if err != nil {
		return fmt.Errorf("load activation history: %w", err)
	}
	if len(hist) == 0 {
		return nil
	}
	last := hist[len(hist)-1]
	c.cur.Store(&snapshot{state: last.To, version: last.Version})
	c.logger.Info("activation state recovered", "mode", last.To.Mode, "version", last.Version)
	return nil
}

// State returns the current state.
func (c *Controller) State() model.ActivationState {
	return c.cur.Load().state
}

// Mode returns the current mode.
func (c *Controller) Mode() model.ActivationMode {
	return c.cur.Load().state.Mode
}

// HoldMode returns the current mode and blocks transitions from committing
// until release is called. Balance actions use it so none of them lands
// under a mode that was replaced while it was in flight.
func (c *Controller) HoldMode() (model.ActivationMode, func()) {
	c.gate.RLock()
	return c.Mode(), c.gate.RUnlock
}

// Version returns the number of committed transitions.
func (c *Controller) Version() uint64 {
	return c.cur.Load().version
}

// History returns every committed transition.
func (c *Controller) History(ctx context.Context) ([]model.ActivationTransition, error) {
	return c.store.ActivationHistory(ctx)
}

// Arm schedules promotion to Real after delay. Only valid from DryRun.
func (c *Controller) Arm(ctx context.Context, delay time.Duration, reason string) (model.ActivationTransition, error) {
	if delay < 0 {
		return model.ActivationTransition{}, fmt.Errorf("arm with negative delay %s: %w", delay, ErrInvalidTransition)
	}
	return c.transition(ctx, reason, func(from model.ActivationState, now time.Time) (model.ActivationState, error) {
		if from.Mode != model.ModeDryRun {
			return model.ActivationState{}, fmt.Errorf("arm from %s: %w", from.Mode, ErrInvalidTransition)
		}
		return model.ActivationState{Mode: model.ModeArmed, ActivateAt: now.Add(delay).UTC()}, nil
	})
}

// CancelArm returns an Armed controller to DryRun.
func (c *Controller) CancelArm(ctx context.Context, reason string) (model.ActivationTransition, error) {
	return c.transition(ctx, reason, func(from model.ActivationState, _ time.Time) (model.ActivationState, error) {
		if from.Mode != model.ModeArmed {
			return model.ActivationState{}, fmt.Errorf("cancel arm from %s: %w", from.Mode, ErrInvalidTransition)
		}
		return model.ActivationState{Mode: model.ModeDryRun}, nil
	})
}

// ForceDryRun is the emergency fallback from Real (or Armed) to DryRun. A
// reason is required and recorded.
func (c *Controller) ForceDryRun(ctx context.Context, reason string) (model.ActivationTransition, error) {
	if reason == "" {
		return model.ActivationTransition{}, fmt.Errorf("force dry run without reason: %w", ErrInvalidTransition)
	}
	return c.transition(ctx, reason, func(from model.ActivationState, _ time.Time) (model.ActivationState, error) {
		if from.Mode == model.ModeDryRun {
			return model.ActivationState{}, fmt.Errorf("force dry run from %s: %w", from.Mode, ErrInvalidTransition)
		}
		return model.ActivationState{Mode: model.ModeDryRun}, nil
	})
}

// Tick promotes Armed to Real once activate_at has been reached. It reports
// whether a promotion was committed.
func (c *Controller) Tick(ctx context.Context) (bool, error) {
	st := c.State()
	if st.Mode != model.ModeArmed || c.now().Before(st.ActivateAt) {
		return false, nil
	}
	_, err := c.transition(ctx, "timelock elapsed", func(from model.ActivationState, now time.Time) (model.ActivationState, error) {
		// Re-check under the transition lock; a cancel may have raced us.
		if from.Mode != model.ModeArmed || now.Before(from.ActivateAt) {
			return model.ActivationState{}, fmt.Errorf("promote from %s: %w", from.Mode, ErrInvalidTransition)
		}
		return model.ActivationState{Mode: model.ModeReal}, nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	return err == nil, err
}

// Run calls Tick every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil {
				c.logger.Error("activation tick failed", "err", err)
			}
		}
	}
}

func (c *Controller) transition(
	ctx context.Context,
	reason string,
	next func(from model.ActivationState, now time.Time) (model.ActivationState, error),
) (model.ActivationTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.cur.Load()
	now := c.now()
	to, err := next(cur.state, now)
	if err != nil {
		return model.ActivationTransition{}, err
	}

	t := model.ActivationTransition{
		Version: cur.version + 1,
		From:    cur.state.Mode,
		To:      to,
		Reason:  reason,
		At:      now.UTC(),
	}

	c.gate.Lock()
	defer c.gate.Unlock()
	if err := c.store.AppendTransition(ctx, t); err != nil {
		c.logger.Error("activation transition not persisted",
			"from", t.From, "to", t.To.Mode, "version", t.Version, "err", err)
		return model.ActivationTransition{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	c.cur.Store(&snapshot{state: to, version: t.Version})

	c.logger.Warn("activation transition",
		"from", t.From, "to", t.To.Mode, "version", t.Version, "reason", reason)
	if c.pub != nil {
		c.pub.PublishActivation(t)
	}
	return t, nil
}
