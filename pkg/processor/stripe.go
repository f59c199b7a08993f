package processor

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/accountlink"
	"github.com/stripe/stripe-go/v82/transfer"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/fx"

	"freelancehub-settlement/pkg/config"
)

var Module = fx.Module("processor",
	fx.Provide(NewStripeClient),
)

type stripeClient struct {
	webhookSecret string
}

func NewStripeClient(cfg *config.Config) Client {
	stripe.Key = cfg.Stripe.SecretKey
	return &stripeClient{
		webhookSecret: cfg.Stripe.WebhookSecret,
	}
}

func (c *stripeClient) CreateAccount(ctx context.Context, userID, email string) (*Account, error) {
	params := &stripe.AccountParams{
		Type:  stripe.String(string(stripe.AccountTypeExpress)),
		Email: stripe.String(email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	acct, err := account.New(params)
	if err != nil {
		return nil, err
	}

	return fromStripeAccount(acct), nil
}

func (c *stripeClient) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := accountlink.New(params)
	if err != nil {
		return "", err
	}

	return link.URL, nil
}

func (c *stripeClient) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := account.GetByID(accountID, params)
	if err != nil {
		return nil, err
	}

	return fromStripeAccount(acct), nil
}

func (c *stripeClient) CreateTransfer(ctx context.Context, p TransferParams) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(p.Amount.Shift(2).IntPart()),
		Currency:    stripe.String(p.Currency),
		Destination: stripe.String(p.Destination),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	t, err := transfer.New(params)
	if err != nil {
		return nil, err
	}

	return &Transfer{ID: t.ID, Status: "created"}, nil
}

func (c *stripeClient) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx

	t, err := transfer.Get(transferID, params)
	if err != nil {
		return nil, err
	}

	// Stripe transfers settle synchronously; a fully reversed transfer is
	// the processor's way of reporting cancellation after the fact.
	status := "paid"
	if t.Reversed {
		status = "canceled"
	}

	return &Transfer{ID: t.ID, Status: status}, nil
}

func (c *stripeClient) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: event.Data.Raw,
	}, nil
}

func fromStripeAccount(acct *stripe.Account) *Account {
	out := &Account{
		ID:               acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		Country:          acct.Country,
	}

	if acct.ExternalAccounts != nil {
		for _, ea := range acct.ExternalAccounts.Data {
			if ea.BankAccount != nil {
				out.BankLast4 = ea.BankAccount.Last4
				break
			}
		}
	}

	return out
}
