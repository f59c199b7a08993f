package payout

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"freelancehub-settlement/pkg/config"
	"freelancehub-settlement/pkg/processor"
	"freelancehub-settlement/pkg/task"
)

const SweepStaleSettlements = "payout:settlement:sweep"

var TaskModule = fx.Module("payout.task",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers, StartScheduler),
)

type Task struct {
	svc    *Service
	minAge time.Duration
}

type TaskParams struct {
	fx.In
	Service *Service
	Config  *config.Config
}

func NewTask(p TaskParams) *Task {
	return &Task{
		svc:    p.Service,
		minAge: p.Config.Payout.SweepMinAge,
	}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(SweepStaleSettlements, t.HandleSweepTask)
}

// HandleSweepTask resolves settlements the webhook stream never closed
// out: requests stuck in pending or processing beyond the minimum age are
// re-read from the processor and pushed through the same reconciliation
// transitions a webhook would trigger.
func (t *Task) HandleSweepTask(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-t.minAge)

	stale, err := t.svc.findStale(ctx, cutoff)
	if err != nil {
		return err
	}

	zapLog := zap.L().With(zap.String("task_type", SweepStaleSettlements))
	zapLog.Info("sweeping stale settlements", zap.Int("candidates", len(stale)))

	for _, req := range stale {
		if err := t.svc.resolveStale(ctx, req); err != nil {
			zapLog.Error("failed to resolve stale settlement",
				zap.String("payout_request_id", req.ID), zap.Error(err))
			// keep going; the next sweep retries this one
		}
	}

	return nil
}

func (s *Service) findStale(ctx context.Context, cutoff time.Time) ([]*PayoutRequest, error) {
	var out []*PayoutRequest
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPending, StatusProcessing}).
		Where("created_at < ?", cutoff).
		Order("created_at asc").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) resolveStale(ctx context.Context, req *PayoutRequest) error {
	// A pending request without a transfer id means the process died
	// between recording intent and reaching the processor. Nothing was
	// attached, nothing moved; fail it so the balance is honest again.
	if req.ExternalTransferID == nil {
		return s.applyTransferState(ctx, &processor.TransferObject{
			Metadata: map[string]string{processor.MetadataPayoutRequestID: req.ID},
		}, StatusFailed, "transfer was never created")
	}

	transfer, err := s.proc.GetTransfer(ctx, *req.ExternalTransferID)
	if err != nil {
		return err
	}

	return s.applyTransferState(ctx, &processor.TransferObject{
		ID:       transfer.ID,
		Status:   transfer.Status,
		Metadata: map[string]string{processor.MetadataPayoutRequestID: req.ID},
	}, mapExternalStatus(transfer.Status), "")
}

// StartScheduler enqueues the sweep on a fixed interval for the lifetime
// of the process.
func StartScheduler(lc fx.Lifecycle, cfg *config.Config, enqueuer task.Enqueuer) {
	interval := cfg.Payout.SweepInterval

	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				zap.L().Info("[Scheduler] started settlement sweep scheduler",
					zap.Duration("interval", interval))

				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					select {
					case <-ticker.C:
						if _, err := enqueuer.Enqueue(ctx, asynq.NewTask(SweepStaleSettlements, nil)); err != nil {
							zap.L().Error("[Scheduler] failed to enqueue sweep", zap.Error(err))
						}
					case <-ctx.Done():
						zap.L().Warn("[Scheduler] stopped")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
