package account

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"freelancehub-settlement/pkg/config"
	"freelancehub-settlement/pkg/errutil"
	"freelancehub-settlement/pkg/processor"
	"freelancehub-settlement/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	proc processor.Client

	refreshURL string
	returnURL  string

	accounts repository.Repository[PayoutAccount]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Processor processor.Client
	Config    *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		proc: p.Processor,

		refreshURL: p.Config.Payout.OnboardRefreshURL,
		returnURL:  p.Config.Payout.OnboardReturnURL,

		accounts: repository.ProvideStore[PayoutAccount](p.DB),
	}
}

type OnboardResult struct {
	Account       *PayoutAccount `json:"account"`
	OnboardingURL string         `json:"onboarding_url"`
}

// Onboard creates the user's external account on first call and reuses it
// after that, then mints a fresh onboarding link. Links expire quickly on
// the processor side so one is issued per request.
func (s *Service) Onboard(ctx context.Context, userID, email string) (*OnboardResult, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required")
	}

	row, err := s.accounts.FindOne(ctx, &PayoutAccount{UserID: userID})
	if err != nil {
		return nil, err
	}

	if row == nil {
		ext, err := s.proc.CreateAccount(ctx, userID, email)
		if err != nil {
			zap.L().Error("failed to create processor account",
				zap.String("user_id", userID), zap.Error(err))
			return nil, errutil.BadGateway("payment processor rejected account creation", errutil.WithErr(err))
		}

		row = &PayoutAccount{
			ID:                s.node.Generate().String(),
			UserID:            userID,
			ExternalAccountID: ext.ID,
			Status:            StatusPending,
		}
		if err := s.accounts.Create(ctx, row); err != nil {
			return nil, err
		}

		zap.L().Info("payout account created",
			zap.String("user_id", userID),
			zap.String("external_account_id", ext.ID))
	}

	link, err := s.proc.CreateAccountLink(ctx, row.ExternalAccountID, s.refreshURL, s.returnURL)
	if err != nil {
		zap.L().Error("failed to create onboarding link",
			zap.String("user_id", userID), zap.Error(err))
		return nil, errutil.BadGateway("payment processor rejected onboarding link", errutil.WithErr(err))
	}

	return &OnboardResult{Account: row, OnboardingURL: link}, nil
}

// RefreshStatus pulls the external account state and re-derives the local
// verification and enablement flags from it.
func (s *Service) RefreshStatus(ctx context.Context, userID string) (*PayoutAccount, error) {
	row, err := s.accounts.FindOne(ctx, &PayoutAccount{UserID: userID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("payout account not found")
	}

	ext, err := s.proc.GetAccount(ctx, row.ExternalAccountID)
	if err != nil {
		return nil, errutil.BadGateway("failed to retrieve processor account", errutil.WithErr(err))
	}

	return s.applyState(ctx, row, ext.Enabled(), ext.Country, ext.BankLast4)
}

// ApplyAccountUpdate handles the processor's account.updated push. Unknown
// external ids are logged and dropped so webhook delivery never wedges on
// accounts this system does not own.
func (s *Service) ApplyAccountUpdate(ctx context.Context, obj *processor.AccountObject) error {
	row, err := s.accounts.FindOne(ctx, &PayoutAccount{ExternalAccountID: obj.ID})
	if err != nil {
		return err
	}
	if row == nil {
		zap.L().Warn("account.updated for unknown external account",
			zap.String("external_account_id", obj.ID))
		return nil
	}

	enabled := obj.DetailsSubmitted && obj.ChargesEnabled && obj.PayoutsEnabled
	_, err = s.applyState(ctx, row, enabled, obj.Country, obj.BankLast4())
	return err
}

// FindByUser is the read used by the payout validator.
func (s *Service) FindByUser(ctx context.Context, userID string) (*PayoutAccount, error) {
	return s.accounts.FindOne(ctx, &PayoutAccount{UserID: userID})
}

func (s *Service) applyState(ctx context.Context, row *PayoutAccount, enabled bool, country, bankLast4 string) (*PayoutAccount, error) {
	status := StatusPending
	if enabled {
		status = StatusVerified
	}

	updates := map[string]any{
		"status":         status,
		"payout_enabled": enabled,
		"updated_at":     time.Now(),
	}
	if country != "" {
		updates["country"] = country
	}
	if bankLast4 != "" {
		updates["bank_last4"] = bankLast4
	}

	if err := s.accounts.Update(ctx, row.ID, updates); err != nil {
		return nil, err
	}

	zap.L().Info("payout account state applied",
		zap.String("user_id", row.UserID),
		zap.String("external_account_id", row.ExternalAccountID),
		zap.Bool("payout_enabled", enabled))

	return s.accounts.FindOne(ctx, &PayoutAccount{ID: row.ID})
}
