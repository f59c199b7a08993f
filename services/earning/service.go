package earning

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"freelancehub-settlement/pkg/db/option"
	"freelancehub-settlement/pkg/errutil"
	"freelancehub-settlement/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	logs repository.Repository[EarningLog]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		logs: repository.ProvideStore[EarningLog](p.DB),
	}
}

type RecordParams struct {
	ReferrerID  string
	Amount      decimal.Decimal
	Description string
	OccurredAt  time.Time
}

// RecordEarning appends a commission event for a referrer. The rest of the
// application calls this when a referral converts; the settlement core only
// ever consumes the rows.
func (s *Service) RecordEarning(ctx context.Context, p RecordParams) (*EarningLog, error) {
	if p.ReferrerID == "" {
		return nil, errutil.BadRequest("referrer_id is required")
	}
	if !p.Amount.IsPositive() {
		return nil, errutil.BadRequest("amount must be greater than zero")
	}

	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	log := &EarningLog{
		ID:           s.node.Generate().String(),
		ReferrerID:   p.ReferrerID,
		AmountEarned: p.Amount,
		Description:  p.Description,
		OccurredAt:   occurredAt,
	}

	if err := s.logs.Create(ctx, log); err != nil {
		zap.L().Error("failed to record earning",
			zap.String("referrer_id", p.ReferrerID), zap.Error(err))
		return nil, err
	}

	return log, nil
}

// ListByReferrer returns the referrer's full ledger, oldest first.
func (s *Service) ListByReferrer(ctx context.Context, referrerID string) ([]*EarningLog, error) {
	return s.logs.Find(ctx, &EarningLog{ReferrerID: referrerID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "occurred_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"occurred_at": true},
		}),
	)
}

// Summarize computes the referrer's lifetime, available and in-flight
// totals. Sums are taken in Go with decimal arithmetic to avoid the cent
// drift of database float aggregation.
func (s *Service) Summarize(ctx context.Context, referrerID string) (*Summary, error) {
	logs, err := s.ListByReferrer(ctx, referrerID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		Lifetime:  decimal.Zero,
		Available: decimal.Zero,
		PaidOut:   decimal.Zero,
	}
	for _, l := range logs {
		sum.Lifetime = sum.Lifetime.Add(l.AmountEarned)
		if l.IsPaidOut {
			sum.PaidOut = sum.PaidOut.Add(l.AmountEarned)
		} else {
			sum.Available = sum.Available.Add(l.AmountEarned)
		}
	}

	return sum, nil
}
