package payout

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"freelancehub-settlement/pkg/db/option"
	"freelancehub-settlement/pkg/processor"
	"freelancehub-settlement/services/earning"
)

const eventProvider = "stripe"

// HandleEvent applies one verified processor event to local state. Events
// arrive at least once and possibly out of order; every branch is a pure
// "payload to desired end state" write that no-ops when the current state
// already matches or supersedes it.
func (s *Service) HandleEvent(ctx context.Context, ev *processor.Event) error {
	audit := s.recordEvent(ctx, ev)

	var err error
	switch ev.Type {
	case "transfer.created":
		err = s.handleTransferCreated(ctx, ev)
	case "transfer.updated":
		err = s.handleTransferUpdated(ctx, ev)
	case "transfer.failed":
		// terminal alias of the failed update case, same invariants
		err = s.handleTransferFailed(ctx, ev)
	case "account.updated":
		err = s.handleAccountUpdated(ctx, ev)
	default:
		zap.L().Info("ignoring unhandled webhook event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type))
	}

	s.finishEvent(ctx, audit, err)
	return err
}

func (s *Service) handleTransferCreated(ctx context.Context, ev *processor.Event) error {
	obj, err := ev.Transfer()
	if err != nil {
		return err
	}

	return s.applyTransferState(ctx, obj, StatusProcessing, "")
}

func (s *Service) handleTransferUpdated(ctx context.Context, ev *processor.Event) error {
	obj, err := ev.Transfer()
	if err != nil {
		return err
	}

	return s.applyTransferState(ctx, obj, mapExternalStatus(obj.Status), obj.FailureMessage)
}

func (s *Service) handleTransferFailed(ctx context.Context, ev *processor.Event) error {
	obj, err := ev.Transfer()
	if err != nil {
		return err
	}

	return s.applyTransferState(ctx, obj, StatusFailed, obj.FailureMessage)
}

func (s *Service) handleAccountUpdated(ctx context.Context, ev *processor.Event) error {
	obj, err := ev.Account()
	if err != nil {
		return err
	}

	return s.accounts.ApplyAccountUpdate(ctx, obj)
}

// applyTransferState moves the payout request referenced by the transfer to
// the desired status. Terminal states absorb: once reached, later events
// for the same request are logged and dropped without touching the status
// or re-releasing ledger rows.
func (s *Service) applyTransferState(ctx context.Context, obj *processor.TransferObject, desired, failureReason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		req, err := s.findRequestForTransfer(ctx, tx, obj)
		if err != nil {
			return err
		}
		if req == nil {
			zap.L().Warn("transfer event references unknown payout request",
				zap.String("external_transfer_id", obj.ID),
				zap.String("metadata_request_id", obj.Metadata[processor.MetadataPayoutRequestID]))
			return nil
		}

		zapLog := zap.L().With(
			zap.String("payout_request_id", req.ID),
			zap.String("external_transfer_id", obj.ID),
			zap.String("current_status", req.Status),
			zap.String("desired_status", desired),
		)

		if req.Terminal() {
			zapLog.Info("event for terminal payout request ignored")
			return nil
		}

		now := time.Now()
		updates := map[string]any{
			"status":     desired,
			"updated_at": now,
		}
		if req.ExternalTransferID == nil && obj.ID != "" {
			updates["external_transfer_id"] = obj.ID
		}

		switch desired {
		case StatusProcessing:
			if req.Status != StatusPending && req.ExternalTransferID != nil {
				// already past processing or a replay, nothing to do
				return nil
			}
			updates["processed_at"] = now

		case StatusCompleted:
			updates["processed_at"] = now

		case StatusFailed, StatusCancelled:
			updates["processed_at"] = now
			if failureReason != "" {
				updates["failure_reason"] = failureReason
			}
			// The critical correctness step: attached earnings go back to
			// unpaid so the money is never stuck against a dead payout.
			if err := s.releaseEarnings(ctx, tx, req.ID); err != nil {
				return err
			}
		}

		if err := s.payouts.WithTrx(tx).Update(ctx, req.ID, updates); err != nil {
			return err
		}

		zapLog.Info("payout request reconciled")
		return nil
	})
}

// findRequestForTransfer resolves the payout request by the id embedded in
// transfer metadata, falling back to the stored external transfer id for
// processors that strip metadata on some event kinds.
func (s *Service) findRequestForTransfer(ctx context.Context, tx *gorm.DB, obj *processor.TransferObject) (*PayoutRequest, error) {
	if id := obj.Metadata[processor.MetadataPayoutRequestID]; id != "" {
		return s.payouts.WithTrx(tx).FindOne(ctx, &PayoutRequest{ID: id}, option.WithLockingUpdate())
	}
	if obj.ID != "" {
		return s.payouts.WithTrx(tx).FindOne(ctx, &PayoutRequest{ExternalTransferID: &obj.ID}, option.WithLockingUpdate())
	}
	return nil, nil
}

func (s *Service) releaseEarnings(ctx context.Context, tx *gorm.DB, requestID string) error {
	result := tx.WithContext(ctx).Model(&earning.EarningLog{}).
		Where("payout_request_id = ?", requestID).
		Updates(map[string]any{
			"is_paid_out":       false,
			"payout_request_id": nil,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		zap.L().Info("released earning logs from failed payout",
			zap.String("payout_request_id", requestID),
			zap.Int64("released_logs", result.RowsAffected))
	}

	return nil
}

// recordEvent upserts the audit row for a verified event. Redelivery hits
// the unique (provider, event id) index and reuses the existing row.
func (s *Service) recordEvent(ctx context.Context, ev *processor.Event) *WebhookEvent {
	row := &WebhookEvent{
		Provider:        eventProvider,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		Payload:         datatypes.JSON(ev.Payload),
	}

	err := s.db.WithContext(ctx).
		Where(&WebhookEvent{Provider: eventProvider, ProviderEventID: ev.ID}).
		FirstOrCreate(row).Error
	if err != nil {
		// Audit is best effort; reconciliation itself must not depend on it.
		zap.L().Error("failed to record webhook event",
			zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}

	return row
}

func (s *Service) finishEvent(ctx context.Context, audit *WebhookEvent, handlerErr error) {
	if audit == nil {
		return
	}

	updates := map[string]any{"processed_at": time.Now()}
	if handlerErr != nil {
		updates["processing_error"] = handlerErr.Error()
	} else {
		updates["processing_error"] = ""
	}

	if err := s.db.WithContext(ctx).Model(&WebhookEvent{}).
		Where("id = ?", audit.ID).
		Updates(updates).Error; err != nil {
		zap.L().Error("failed to finalise webhook event audit", zap.Error(err))
	}
}
