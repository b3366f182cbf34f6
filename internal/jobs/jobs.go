// Package jobs defines the built-in job set of the mailroom platform and
// registers it with the trigger scheduler. Both entrypoints (the dispatcher
// and the admin server) wire the same registrations so the registry they see
// is identical.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"mailroom/internal/config"
	"mailroom/internal/coord"
	"mailroom/internal/scheduler"
	"mailroom/internal/store"
	"mailroom/internal/types"
)

// Job names.
const (
	JobTicketIntake = "ticket-intake"
	JobCacheSweep   = "cache-sweep"
	JobHistoryPrune = "history-prune"
	JobWeeklyDigest = "weekly-digest"
)

// intakePendingKey is the property store key where the inbound mail webhook
// stages raw ticket payloads as a JSON array. The intake job drains it.
const intakePendingKey = "intake:pending"

// intakeNamespace prefixes generated ticket IDs.
const intakeNamespace = "TKT"

// perTicketCost is the execution budget reserved per ticket during intake;
// the drain loop stops early when the guard cannot cover the next ticket.
const perTicketCost = 2 * time.Second

// historyRetention is how long finished run-history rows are kept.
const historyRetention = "30 days"

// CacheSweeper clears expired cache rows.
type CacheSweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// HistoryPruner deletes old run-history rows.
type HistoryPruner interface {
	PruneBefore(ctx context.Context, cutoff string) (int64, error)
}

// Deps carries everything the built-in job closures need.
type Deps struct {
	Config        *config.Config
	Props         store.PropertyStore
	CacheSweeper  CacheSweeper
	HistoryPruner HistoryPruner
	Limiter       *coord.RateLimiter
	IDGen         *coord.ShardedIDGenerator
	Tickets       *store.ShardedStore
	Guard         *coord.ExecutionTimeGuard
	Notifier      scheduler.FailureNotifier
	Registry      *scheduler.JobRegistry
	Logger        *slog.Logger
	NowFn         func() time.Time // nil uses time.Now().UTC()
}

// Register registers the built-in jobs and creates their triggers.
func Register(ctx context.Context, s *scheduler.TriggerScheduler, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NowFn == nil {
		deps.NowFn = func() time.Time { return time.Now().UTC() }
	}

	definitions := []struct {
		def types.JobDefinition
		fn  scheduler.JobFunc
	}{
		{
			def: types.JobDefinition{
				Name:         JobTicketIntake,
				Type:         types.JobTypeInterval,
				BaseInterval: 5,
				Adaptive:     &types.AdaptiveIntervals{Peak: 2, Normal: 5, Off: 15},
				Priority:     types.PriorityHigh,
			},
			fn: ticketIntake(deps),
		},
		{
			def: types.JobDefinition{
				Name:         JobCacheSweep,
				Type:         types.JobTypeInterval,
				BaseInterval: 30,
				Priority:     types.PriorityLow,
			},
			fn: cacheSweep(deps),
		},
		{
			def: types.JobDefinition{
				Name:   JobHistoryPrune,
				Type:   types.JobTypeDaily,
				Hour:   3,
				Minute: 10,
			},
			fn: historyPrune(deps),
		},
		{
			def: types.JobDefinition{
				Name:              JobWeeklyDigest,
				Type:              types.JobTypeWeekly,
				Weekday:           time.Monday,
				Hour:              9,
				Minute:            0,
				BusinessHoursOnly: true,
			},
			fn: weeklyDigest(deps),
		},
	}

	for _, d := range definitions {
		if err := s.RegisterJob(ctx, d.def, d.fn); err != nil {
			return fmt.Errorf("registering job %s: %w", d.def.Name, err)
		}
	}
	return nil
}

// ticketIntake drains staged inbound payloads into the sharded ticket store.
// Each ticket consumes one rate-limit token and one generated ID. The drain
// stops early, leaving the remainder staged, when the rate ceiling or the
// execution budget is reached.
func ticketIntake(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) error {
		pending, err := readPending(ctx, deps.Props)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		now := deps.NowFn()
		processed := 0
		for _, payload := range pending {
			if deps.Guard != nil && !deps.Guard.CanContinue(perTicketCost) {
				deps.Logger.InfoContext(ctx, "intake stopping early, execution budget low",
					"processed", processed,
					"remaining", len(pending)-processed,
				)
				break
			}

			err := deps.Limiter.CheckAndIncrement(ctx, JobTicketIntake,
				deps.Config.RateLimit.DefaultPerMinute,
				deps.Config.RateLimit.DefaultPerHour,
			)
			if err != nil {
				if types.HasCode(err, types.ErrCodeRateLimitExceeded) {
					deps.Logger.WarnContext(ctx, "intake rate ceiling reached, leaving remainder staged",
						"processed", processed,
						"remaining", len(pending)-processed,
					)
					break
				}
				return err
			}

			id, err := deps.IDGen.NextID(ctx, intakeNamespace)
			if err != nil {
				return err
			}
			if err := deps.Tickets.Save(ctx, &types.Ticket{
				ID:        id,
				CreatedAt: now,
				Payload:   payload,
			}); err != nil {
				// Persist progress before surfacing the failure so the
				// processed prefix is not re-ingested next run.
				if wErr := writePending(ctx, deps.Props, pending[processed:]); wErr != nil {
					deps.Logger.ErrorContext(ctx, "failed to restage pending intake", "error", wErr)
				}
				return err
			}
			processed++
		}

		if err := writePending(ctx, deps.Props, pending[processed:]); err != nil {
			return err
		}
		deps.Logger.InfoContext(ctx, "intake complete",
			"processed", processed,
			"remaining", len(pending)-processed,
		)
		return nil
	}
}

func cacheSweep(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) error {
		deleted, err := deps.CacheSweeper.DeleteExpired(ctx)
		if err != nil {
			return err
		}
		deps.Logger.InfoContext(ctx, "cache sweep complete", "deleted", deleted)
		return nil
	}
}

func historyPrune(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) error {
		pruned, err := deps.HistoryPruner.PruneBefore(ctx, historyRetention)
		if err != nil {
			return err
		}
		deps.Logger.InfoContext(ctx, "history prune complete", "pruned", pruned)
		return nil
	}
}

// weeklyDigest summarizes the week's job statistics to the notification sink.
func weeklyDigest(deps Deps) scheduler.JobFunc {
	return func(ctx context.Context) error {
		if deps.Notifier == nil {
			return nil
		}
		summary := make(map[string]any)
		for _, job := range deps.Registry.All() {
			summary[job.Definition.Name] = map[string]any{
				"runs":     job.Stats.RunCount,
				"errors":   job.Stats.ErrorCount,
				"avg_time": job.Stats.AvgExecutionTime.String(),
			}
		}
		return deps.Notifier.Notify(ctx, "weekly_digest", summary)
	}
}

func readPending(ctx context.Context, props store.PropertyStore) ([]json.RawMessage, error) {
	raw, ok, err := props.Get(ctx, intakePendingKey)
	if err != nil {
		return nil, fmt.Errorf("reading pending intake: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var pending []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "pending intake payload is corrupt", err)
	}
	return pending, nil
}

func writePending(ctx context.Context, props store.PropertyStore, pending []json.RawMessage) error {
	if len(pending) == 0 {
		if err := props.Delete(ctx, intakePendingKey); err != nil {
			return fmt.Errorf("clearing pending intake: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal pending intake", err)
	}
	if err := props.Set(ctx, intakePendingKey, string(raw)); err != nil {
		return fmt.Errorf("restaging pending intake: %w", err)
	}
	return nil
}
