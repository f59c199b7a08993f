package processor

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// MetadataPayoutRequestID is the metadata key carrying the local
// PayoutRequest id on every outbound transfer. It is the join key the
// webhook reconciler uses and must round-trip through the processor
// unmodified.
const MetadataPayoutRequestID = "payout_request_id"

// Account is the subset of processor account state the registry cares
// about.
type Account struct {
	ID               string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
	Country          string
	BankLast4        string
}

// Enabled reports whether the account may receive payouts. All three
// capability flags are required.
func (a *Account) Enabled() bool {
	return a.DetailsSubmitted && a.ChargesEnabled && a.PayoutsEnabled
}

type TransferParams struct {
	Destination string
	Amount      decimal.Decimal
	Currency    string
	Metadata    map[string]string
}

type Transfer struct {
	ID     string
	Status string
}

// Event is a verified webhook event. Payload holds the raw object JSON so
// handlers decode only the kinds they understand.
type Event struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// TransferObject is the transfer body of a transfer.* event.
type TransferObject struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}

// AccountObject is the account body of an account.updated event.
type AccountObject struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	Country          string `json:"country"`
	ExternalAccounts struct {
		Data []struct {
			Last4 string `json:"last4"`
		} `json:"data"`
	} `json:"external_accounts"`
}

func (o *AccountObject) BankLast4() string {
	if len(o.ExternalAccounts.Data) == 0 {
		return ""
	}
	return o.ExternalAccounts.Data[0].Last4
}

func (e *Event) Transfer() (*TransferObject, error) {
	var obj TransferObject
	if err := json.Unmarshal(e.Payload, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (e *Event) Account() (*AccountObject, error) {
	var obj AccountObject
	if err := json.Unmarshal(e.Payload, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// Client is the narrow boundary to the external payment processor. The
// settlement engine and reconciler depend on this interface only, never on
// the SDK directly.
type Client interface {
	CreateAccount(ctx context.Context, userID, email string) (*Account, error)
	CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error)
	GetTransfer(ctx context.Context, transferID string) (*Transfer, error)
	// VerifyWebhook authenticates the raw request body against the
	// processor signature and returns the parsed event envelope.
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}
