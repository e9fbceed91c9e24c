// Package sweep drives tasks out of the needs-action queue. A pass is a
// point-in-time snapshot of the directory: files listed may vanish before the
// sweeper reaches them, and that is never an error. Retryable relocation
// failures are retried with exponential backoff; everything else is reported
// and left for the next pass.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kereth/taskvault/internal/engine"
	"github.com/kereth/taskvault/internal/identity"
	"github.com/kereth/taskvault/internal/logging"
	"github.com/kereth/taskvault/internal/task"
	"github.com/kereth/taskvault/internal/transition"
	"github.com/kereth/taskvault/internal/vault"
)

// Handler decides what to do with one queued task. Returning claim=false
// leaves the file where it is. The default handler claims everything into
// in-progress.
type Handler func(loc vault.Located) (engine.MoveRequest, bool, error)

// Stats summarizes one pass.
type Stats struct {
	Seen    int
	Moved   int
	Skipped int
	Failed  int
}

// Sweeper walks the needs-action queue and relocates tasks through the engine.
type Sweeper struct {
	vault   *vault.Vault
	engine  *engine.Engine
	ops     *logging.Logger
	handler Handler
	actor   string
	newBack func() backoff.BackOff
}

// Option customizes the sweeper.
type Option func(*Sweeper)

// WithHandler replaces the default claim-everything handler.
func WithHandler(h Handler) Option {
	return func(s *Sweeper) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithActor sets the actor recorded on sweeper-driven transitions.
func WithActor(actor string) Option {
	return func(s *Sweeper) {
		if actor != "" {
			s.actor = actor
		}
	}
}

// WithOpsLogger routes sweeper diagnostics to the operational log.
func WithOpsLogger(l *logging.Logger) Option {
	return func(s *Sweeper) { s.ops = l }
}

// WithBackOff replaces the retry schedule (tests use a zero-interval one).
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Sweeper) {
		if factory != nil {
			s.newBack = factory
		}
	}
}

// New builds a sweeper over a vault and engine.
func New(v *vault.Vault, eng *engine.Engine, opts ...Option) (*Sweeper, error) {
	if v == nil {
		return nil, fmt.Errorf("sweep: vault is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("sweep: engine is required")
	}
	s := &Sweeper{
		vault:  v,
		engine: eng,
		actor:  identity.SystemActor,
		newBack: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
	s.handler = s.claim
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// claim is the default handler: pick the task up for work.
func (s *Sweeper) claim(loc vault.Located) (engine.MoveRequest, bool, error) {
	return engine.MoveRequest{
		To:     task.StateInProgress,
		Actor:  s.actor,
		Reason: "swept from needs-action",
	}, true, nil
}

// Run performs one pass over the needs-action queue.
func (s *Sweeper) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	names, err := s.vault.Snapshot(transition.DirNeedsAction)
	if err != nil {
		return stats, err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Seen++
		loc, err := s.vault.Load(transition.DirNeedsAction, name)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				stats.Skipped++ // relocated by another process, not our problem
				continue
			}
			stats.Failed++
			s.ops.Errorf("sweep: load %s: %v", name, err)
			continue
		}
		req, claim, err := s.handler(loc)
		if err != nil {
			stats.Failed++
			s.ops.Errorf("sweep: handle %s: %v", name, err)
			continue
		}
		if !claim {
			stats.Skipped++
			continue
		}
		if err := s.move(ctx, loc, req); err != nil {
			if errors.Is(err, engine.ErrVanished) {
				stats.Skipped++
				continue
			}
			stats.Failed++
			s.ops.Errorf("sweep: move %s: %v", name, err)
			continue
		}
		stats.Moved++
	}
	return stats, nil
}

// move relocates one task, retrying only the failures the engine marks
// retryable.
func (s *Sweeper) move(ctx context.Context, loc vault.Located, req engine.MoveRequest) error {
	op := func() error {
		_, err := s.engine.Move(loc, req)
		if err == nil {
			return nil
		}
		var engErr *engine.Error
		if errors.As(err, &engErr) && engErr.Retryable() {
			s.ops.Warnf("sweep: retrying %s: %v", loc.Record.ID, err)
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(s.newBack(), ctx))
}
