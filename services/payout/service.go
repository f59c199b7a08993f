package payout

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"freelancehub-settlement/pkg/config"
	"freelancehub-settlement/pkg/db/option"
	"freelancehub-settlement/pkg/errutil"
	"freelancehub-settlement/pkg/processor"
	"freelancehub-settlement/pkg/repository"
	"freelancehub-settlement/services/account"
	"freelancehub-settlement/services/earning"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	proc processor.Client

	flatFee         decimal.Decimal
	currency        string
	transferTimeout time.Duration

	accounts *account.Service

	earnings repository.Repository[earning.EarningLog]
	payouts  repository.Repository[PayoutRequest]
	events   repository.Repository[WebhookEvent]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Processor processor.Client
	Accounts  *account.Service
	Config    *config.Config
}

func NewService(p ServiceParams) (*Service, error) {
	flatFee, err := decimal.NewFromString(p.Config.Payout.FlatFee)
	if err != nil {
		return nil, errutil.Internal("invalid PAYOUT.FLAT_FEE", errutil.WithErr(err))
	}

	return &Service{
		db:   p.DB,
		node: p.Node,
		proc: p.Processor,

		flatFee:         flatFee,
		currency:        p.Config.Stripe.Currency,
		transferTimeout: p.Config.Payout.TransferTimeout,

		accounts: p.Accounts,

		earnings: repository.ProvideStore[earning.EarningLog](p.DB),
		payouts:  repository.ProvideStore[PayoutRequest](p.DB),
		events:   repository.ProvideStore[WebhookEvent](p.DB),
	}, nil
}

// Validate checks a withdrawal request against the user's unpaid balance
// and account state. Pure read path; the settlement engine re-runs the same
// checks under lock, so callers may treat this as advisory.
func (s *Service) Validate(ctx context.Context, userID string, amount decimal.Decimal) (*Validation, error) {
	if !amount.IsPositive() {
		return nil, errutil.BadRequest("amount must be greater than zero")
	}

	acct, err := s.accounts.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct == nil || !acct.PayoutEnabled {
		return nil, errutil.UnprocessableEntity("payout account not verified")
	}

	available, _, err := s.unpaidBalance(ctx, nil, userID)
	if err != nil {
		return nil, err
	}

	if amount.GreaterThan(available) {
		return nil, errutil.BadRequest("requested amount exceeds available earnings",
			errutil.WithDetails(errutil.Detail{
				Field:   "available_earnings",
				Message: available.StringFixed(2),
			}))
	}

	return &Validation{AvailableEarnings: available}, nil
}

// CreatePayout settles one withdrawal: it re-validates, records a durable
// pending request, creates the external transfer, and attaches the oldest
// unpaid earning logs to it. Validation and attachment run in a single
// transaction holding the user's unpaid rows, so two concurrent calls can
// never earmark the same row or exceed the true balance.
func (s *Service) CreatePayout(ctx context.Context, userID string, amount decimal.Decimal) (*PayoutRequest, error) {
	if !amount.IsPositive() {
		return nil, errutil.BadRequest("amount must be greater than zero")
	}

	amountNet := amount.Sub(s.flatFee)
	if !amountNet.IsPositive() {
		return nil, errutil.BadRequest("amount too small to cover transfer fee",
			errutil.WithDetails(errutil.Detail{
				Field:   "flat_fee",
				Message: s.flatFee.StringFixed(2),
			}))
	}

	if _, err := s.Validate(ctx, userID, amount); err != nil {
		return nil, err
	}

	acct, err := s.accounts.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Durable intent record, committed before the processor is contacted.
	req := &PayoutRequest{
		ID:              s.node.Generate().String(),
		UserID:          userID,
		AmountRequested: amount,
		AmountFee:       s.flatFee,
		AmountNet:       amountNet,
		Status:          StatusPending,
	}
	if err := s.payouts.Create(ctx, req); err != nil {
		return nil, err
	}

	zapLog := zap.L().With(
		zap.String("user_id", userID),
		zap.String("payout_request_id", req.ID),
		zap.String("amount_requested", amount.StringFixed(2)),
	)

	settleErr := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		available, unpaid, err := s.unpaidBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(available) {
			return errutil.BadRequest("requested amount exceeds available earnings",
				errutil.WithDetails(errutil.Detail{
					Field:   "available_earnings",
					Message: available.StringFixed(2),
				}))
		}

		transferCtx, cancel := context.WithTimeout(ctx, s.transferTimeout)
		defer cancel()

		transfer, err := s.proc.CreateTransfer(transferCtx, processor.TransferParams{
			Destination: acct.ExternalAccountID,
			Amount:      amountNet,
			Currency:    s.currency,
			Metadata: map[string]string{
				processor.MetadataPayoutRequestID: req.ID,
				"user_id":                         userID,
				"transfer_group":                  uuid.NewString(),
			},
		})
		if err != nil {
			zapLog.Error("transfer creation failed", zap.Error(err))
			return errutil.BadGateway("payment processor rejected transfer", errutil.WithErr(err))
		}

		now := time.Now()
		selected := selectWholeLogs(unpaid, amount)
		for _, l := range selected {
			if err := s.earnings.WithTrx(tx).Update(ctx, l.ID, map[string]any{
				"is_paid_out":       true,
				"payout_request_id": req.ID,
				"updated_at":        now,
			}); err != nil {
				return err
			}
		}

		if err := s.payouts.WithTrx(tx).Update(ctx, req.ID, map[string]any{
			"status":               StatusProcessing,
			"external_transfer_id": transfer.ID,
			"processed_at":         now,
			"updated_at":           now,
		}); err != nil {
			return err
		}

		zapLog.Info("payout settled",
			zap.String("external_transfer_id", transfer.ID),
			zap.Int("attached_logs", len(selected)))

		return nil
	})

	if settleErr != nil {
		// The pending row must never be silently lost: record the failure
		// synchronously before reporting it to the caller.
		s.markFailed(ctx, req.ID, settleErr.Error())
		return nil, settleErr
	}

	return s.payouts.FindOne(ctx, &PayoutRequest{ID: req.ID})
}

// ListByUser returns the user's payout history, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*PayoutRequest, error) {
	return s.payouts.Find(ctx, &PayoutRequest{UserID: userID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
}

// unpaidBalance loads the user's unpaid earning logs oldest first and sums
// them with decimal arithmetic. Inside a settlement transaction the rows
// are read FOR UPDATE so a concurrent attempt blocks until this one
// resolves.
func (s *Service) unpaidBalance(ctx context.Context, tx *gorm.DB, userID string) (decimal.Decimal, []*earning.EarningLog, error) {
	opts := []option.QueryOption{
		option.ApplyOperator(option.Condition{
			Field:    "is_paid_out",
			Operator: option.EQ,
			Value:    false,
		}),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "occurred_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"occurred_at": true},
		}),
	}
	if tx != nil {
		opts = append(opts, option.WithLockingUpdate())
	}

	unpaid, err := s.earnings.WithTrx(tx).Find(ctx, &earning.EarningLog{ReferrerID: userID}, opts...)
	if err != nil {
		return decimal.Zero, nil, err
	}

	available := decimal.Zero
	for _, l := range unpaid {
		available = available.Add(l.AmountEarned)
	}

	return available, unpaid, nil
}

func (s *Service) markFailed(ctx context.Context, requestID, reason string) {
	now := time.Now()
	if err := s.payouts.Update(ctx, requestID, map[string]any{
		"status":         StatusFailed,
		"failure_reason": reason,
		"processed_at":   now,
		"updated_at":     now,
	}); err != nil {
		zap.L().Error("failed to mark payout request failed",
			zap.String("payout_request_id", requestID), zap.Error(err))
	}
}
