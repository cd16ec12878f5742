// Package switcher drives a forward switch or a backward rollback by
// coordinating the generation registry and the activation engine, tagging
// each run with a correlation id for log correlation.
package switcher

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/redoxnix/guestagent/internal/activation"
	"github.com/redoxnix/guestagent/internal/generation"
	"github.com/redoxnix/guestagent/internal/manifest"
	"github.com/redoxnix/guestagent/pkg/errors"
	"github.com/redoxnix/guestagent/pkg/utils"
)

// Switcher orchestrates switch and rollback against one generation registry.
type Switcher struct {
	generations *generation.Registry
	engine      *activation.Engine
	log         *utils.StructuredLogger
	now         func() time.Time
}

// New returns a Switcher. now is the clock to stamp generation timestamps
// with; callers normally pass time.Now, but tests may inject a fixed clock.
func New(generations *generation.Registry, engine *activation.Engine, log *utils.StructuredLogger, now func() time.Time) *Switcher {
	return &Switcher{generations: generations, engine: engine, log: log, now: now}
}

// Report summarizes one switch or rollback run.
type Report struct {
	CorrelationID string
	FromID        uint64
	ToID          uint64
	Plan          activation.Plan
	Result        activation.Result
}

func (s *Switcher) infof(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Infof(format, args...)
	}
}

// Switch loads the current manifest and newManifest, stamps newManifest
// with the next generation id, persists both the current and the new
// manifest under the generation registry, overwrites the live manifest,
// and runs activation.
func (s *Switcher) Switch(ctx context.Context, newManifest manifest.Manifest, description string, dryRun bool) (Report, error) {
	correlationID := uuid.New().String()
	s.infof("switch %s: starting", correlationID)

	current, err := s.generations.LoadCurrent()
	if err != nil {
		return Report{}, err
	}

	nextID, err := s.generations.NextID(current)
	if err != nil {
		return Report{}, err
	}

	newManifest.Generation.ID = nextID
	newManifest.Generation.Timestamp = s.now().UTC().Format(time.RFC3339)
	if description != "" {
		newManifest.Generation.Description = description
	}

	if dryRun {
		plan := activation.ComputePlan(current, newManifest)
		return Report{CorrelationID: correlationID, FromID: current.Generation.ID, ToID: nextID, Plan: plan}, nil
	}

	if err := s.generations.Persist(current.Generation.ID, current); err != nil {
		return Report{}, err
	}
	if err := s.generations.PersistForce(nextID, newManifest); err != nil {
		return Report{}, err
	}
	if err := s.generations.SaveCurrent(newManifest); err != nil {
		return Report{}, err
	}

	result, plan, err := s.engine.Activate(ctx, current, newManifest, false)
	if err != nil {
		return Report{}, err
	}

	s.infof("switch %s: generation %d -> %d complete", correlationID, current.Generation.ID, nextID)
	return Report{CorrelationID: correlationID, FromID: current.Generation.ID, ToID: nextID, Plan: plan, Result: result}, nil
}

// Rollback reverts to targetID, or if targetID is nil, to the most recent
// generation older than current (falling back to the newest stored
// generation if none is older).
func (s *Switcher) Rollback(ctx context.Context, targetID *uint64) (Report, error) {
	correlationID := uuid.New().String()
	s.infof("rollback %s: starting", correlationID)

	current, err := s.generations.LoadCurrent()
	if err != nil {
		return Report{}, err
	}

	entries, err := s.generations.List()
	if err != nil {
		return Report{}, err
	}
	if len(entries) == 0 {
		return Report{}, errors.NewError(errors.ErrCodeNoGenerations, "no generations available to roll back to").
			WithComponent("switcher").WithOperation("rollback")
	}

	target, err := selectRollbackTarget(entries, current, targetID)
	if err != nil {
		return Report{}, err
	}

	if target.ID == current.Generation.ID {
		return Report{CorrelationID: correlationID, FromID: current.Generation.ID, ToID: current.Generation.ID}, nil
	}

	if err := s.generations.Persist(current.Generation.ID, current); err != nil {
		return Report{}, err
	}

	nextID, err := s.generations.NextID(current)
	if err != nil {
		return Report{}, err
	}

	rolledBack := target.Manifest
	rolledBack.Generation.ID = nextID
	rolledBack.Generation.Timestamp = s.now().UTC().Format(time.RFC3339)
	rolledBack.Generation.Description = "rollback to generation " + strconv.FormatUint(target.ID, 10)

	if err := s.generations.PersistForce(nextID, rolledBack); err != nil {
		return Report{}, err
	}
	if err := s.generations.SaveCurrent(rolledBack); err != nil {
		return Report{}, err
	}

	result, plan, err := s.engine.Activate(ctx, current, rolledBack, false)
	if err != nil {
		return Report{}, err
	}

	s.infof("rollback %s: generation %d -> %d (target %d) complete", correlationID, current.Generation.ID, nextID, target.ID)
	return Report{CorrelationID: correlationID, FromID: current.Generation.ID, ToID: nextID, Plan: plan, Result: result}, nil
}

func selectRollbackTarget(entries []generation.Entry, current manifest.Manifest, targetID *uint64) (generation.Entry, error) {
	if targetID != nil {
		for _, e := range entries {
			if e.ID == *targetID {
				return e, nil
			}
		}
		return generation.Entry{}, errors.NewError(errors.ErrCodeGenerationNotFound, "target generation not found").
			WithComponent("switcher").WithOperation("rollback").WithDetail("targetId", *targetID)
	}

	var best *generation.Entry
	for i := range entries {
		e := entries[i]
		if e.ID < current.Generation.ID {
			if best == nil || e.ID > best.ID {
				best = &e
			}
		}
	}
	if best != nil {
		return *best, nil
	}

	newest := entries[0]
	for _, e := range entries {
		if e.ID > newest.ID {
			newest = e
		}
	}
	return newest, nil
}

