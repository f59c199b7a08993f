package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"freelancehub-settlement/pkg/config"
	"freelancehub-settlement/pkg/errutil"
	"freelancehub-settlement/pkg/processor"
	"freelancehub-settlement/services/account"
	"freelancehub-settlement/services/earning"
	"freelancehub-settlement/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeProcessor struct {
	createAccountFn     func(ctx context.Context, userID, email string) (*processor.Account, error)
	createAccountLinkFn func(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	getAccountFn        func(ctx context.Context, accountID string) (*processor.Account, error)
	createTransferFn    func(ctx context.Context, p processor.TransferParams) (*processor.Transfer, error)
	getTransferFn       func(ctx context.Context, transferID string) (*processor.Transfer, error)
	verifyWebhookFn     func(payload []byte, signature string) (*processor.Event, error)
}

func (f *fakeProcessor) CreateAccount(ctx context.Context, userID, email string) (*processor.Account, error) {
	if f.createAccountFn != nil {
		return f.createAccountFn(ctx, userID, email)
	}
	return &processor.Account{ID: "acct_fake"}, nil
}

func (f *fakeProcessor) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	if f.createAccountLinkFn != nil {
		return f.createAccountLinkFn(ctx, accountID, refreshURL, returnURL)
	}
	return "https://onboarding.example/fake", nil
}

func (f *fakeProcessor) GetAccount(ctx context.Context, accountID string) (*processor.Account, error) {
	if f.getAccountFn != nil {
		return f.getAccountFn(ctx, accountID)
	}
	return &processor.Account{ID: accountID}, nil
}

func (f *fakeProcessor) CreateTransfer(ctx context.Context, p processor.TransferParams) (*processor.Transfer, error) {
	if f.createTransferFn != nil {
		return f.createTransferFn(ctx, p)
	}
	return &processor.Transfer{ID: "tr_fake", Status: "created"}, nil
}

func (f *fakeProcessor) GetTransfer(ctx context.Context, transferID string) (*processor.Transfer, error) {
	if f.getTransferFn != nil {
		return f.getTransferFn(ctx, transferID)
	}
	return &processor.Transfer{ID: transferID, Status: "paid"}, nil
}

func (f *fakeProcessor) VerifyWebhook(payload []byte, signature string) (*processor.Event, error) {
	if f.verifyWebhookFn != nil {
		return f.verifyWebhookFn(payload, signature)
	}
	return nil, errors.New("no signature configured")
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Payout.FlatFee = "2.00"
	cfg.Payout.TransferTimeout = 5 * time.Second
	cfg.Payout.SweepMinAge = time.Hour
	cfg.Stripe.Currency = "usd"
	return cfg
}

func newTestService(t *testing.T, proc processor.Client) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&earning.EarningLog{},
		&account.PayoutAccount{},
		&PayoutRequest{},
		&WebhookEvent{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := testConfig()

	accounts := account.NewService(account.ServiceParams{
		DB: db, Node: node, Processor: proc, Config: cfg,
	})

	svc, err := NewService(ServiceParams{
		DB: db, Node: node, Processor: proc, Accounts: accounts, Config: cfg,
	})
	require.NoError(t, err)

	return svc, db
}

func seedAccount(t *testing.T, db *gorm.DB, userID string, enabled bool) *account.PayoutAccount {
	t.Helper()

	status := account.StatusPending
	if enabled {
		status = account.StatusVerified
	}
	row := &account.PayoutAccount{
		ID:                "pa_" + userID,
		UserID:            userID,
		ExternalAccountID: "acct_" + userID,
		Status:            status,
		PayoutEnabled:     enabled,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, db.Create(row).Error)
	return row
}

func seedEarning(t *testing.T, db *gorm.DB, userID, amount string, occurredAt time.Time) *earning.EarningLog {
	t.Helper()

	row := &earning.EarningLog{
		ID:           fmt.Sprintf("el_%s_%d", userID, occurredAt.UnixNano()),
		ReferrerID:   userID,
		AmountEarned: decimal.RequireFromString(amount),
		OccurredAt:   occurredAt,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, db.Create(row).Error)
	return row
}

func TestValidateRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestService(t, &fakeProcessor{})

	_, err := svc.Validate(context.Background(), "user-1", decimal.Zero)
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Status())
}

func TestValidateRejectsMissingAccount(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedEarning(t, db, "user-1", "100.00", time.Now())

	_, err := svc.Validate(context.Background(), "user-1", decimal.RequireFromString("50.00"))
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Status())
}

func TestValidateRejectsDisabledAccount(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", false)
	seedEarning(t, db, "user-1", "100.00", time.Now())

	_, err := svc.Validate(context.Background(), "user-1", decimal.RequireFromString("50.00"))
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Status())
}

func TestValidateReturnsAvailableOnInsufficientBalance(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", true)
	seedEarning(t, db, "user-1", "30.00", time.Now())

	_, err := svc.Validate(context.Background(), "user-1", decimal.RequireFromString("50.00"))
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Status())
	require.Len(t, be.Details, 1)
	require.Equal(t, "available_earnings", be.Details[0].Field)
	require.Equal(t, "30.00", be.Details[0].Message)
}

func TestValidateAcceptsCoveredAmount(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", true)
	seedEarning(t, db, "user-1", "30.00", time.Now())
	seedEarning(t, db, "user-1", "25.50", time.Now().Add(time.Second))

	v, err := svc.Validate(context.Background(), "user-1", decimal.RequireFromString("55.50"))
	require.NoError(t, err)
	require.True(t, v.AvailableEarnings.Equal(decimal.RequireFromString("55.50")))
}

func TestCreatePayoutFeeFloor(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", true)
	seedEarning(t, db, "user-1", "100.00", time.Now())

	_, err := svc.CreatePayout(context.Background(), "user-1", decimal.RequireFromString("2.00"))
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusBadRequest, be.Status())

	// no request row may exist after a fee-floor rejection
	var count int64
	require.NoError(t, db.Model(&PayoutRequest{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreatePayoutAttachesOldestWholeLogs(t *testing.T) {
	var gotTransfer processor.TransferParams
	proc := &fakeProcessor{
		createTransferFn: func(ctx context.Context, p processor.TransferParams) (*processor.Transfer, error) {
			gotTransfer = p
			return &processor.Transfer{ID: "tr_1", Status: "created"}, nil
		},
	}

	svc, db := newTestService(t, proc)
	seedAccount(t, db, "user-1", true)

	base := time.Now().Add(-time.Hour)
	oldest := seedEarning(t, db, "user-1", "40.00", base)
	middle := seedEarning(t, db, "user-1", "30.00", base.Add(time.Minute))
	newest := seedEarning(t, db, "user-1", "10.00", base.Add(2*time.Minute))

	req, err := svc.CreatePayout(context.Background(), "user-1", decimal.RequireFromString("50.00"))
	require.NoError(t, err)

	require.Equal(t, StatusProcessing, req.Status)
	require.NotNil(t, req.ExternalTransferID)
	require.Equal(t, "tr_1", *req.ExternalTransferID)
	require.NotNil(t, req.ProcessedAt)
	require.True(t, req.AmountNet.Equal(decimal.RequireFromString("48.00")))
	require.True(t, req.AmountFee.Equal(decimal.RequireFromString("2.00")))

	// the transfer is made for the net amount and tagged with the request id
	require.True(t, gotTransfer.Amount.Equal(decimal.RequireFromString("48.00")))
	require.Equal(t, req.ID, gotTransfer.Metadata[processor.MetadataPayoutRequestID])
	require.Equal(t, "acct_user-1", gotTransfer.Destination)

	// only the oldest log fits: 40 <= 50, but 40+30 would exceed 50
	var attached earning.EarningLog
	require.NoError(t, db.First(&attached, "id = ?", oldest.ID).Error)
	require.True(t, attached.IsPaidOut)
	require.NotNil(t, attached.PayoutRequestID)
	require.Equal(t, req.ID, *attached.PayoutRequestID)

	for _, id := range []string{middle.ID, newest.ID} {
		var l earning.EarningLog
		require.NoError(t, db.First(&l, "id = ?", id).Error)
		require.False(t, l.IsPaidOut)
		require.Nil(t, l.PayoutRequestID)
	}
}

func TestCreatePayoutProcessorFailure(t *testing.T) {
	proc := &fakeProcessor{
		createTransferFn: func(ctx context.Context, p processor.TransferParams) (*processor.Transfer, error) {
			return nil, errors.New("connection timed out")
		},
	}

	svc, db := newTestService(t, proc)
	seedAccount(t, db, "user-1", true)
	seedEarning(t, db, "user-1", "100.00", time.Now())

	_, err := svc.CreatePayout(context.Background(), "user-1", decimal.RequireFromString("50.00"))
	require.Error(t, err)

	// the intent row survives, marked failed with the reason preserved
	var req PayoutRequest
	require.NoError(t, db.First(&req, "user_id = ?", "user-1").Error)
	require.Equal(t, StatusFailed, req.Status)
	require.NotNil(t, req.FailureReason)
	require.Contains(t, *req.FailureReason, "connection timed out")

	// zero logs attached, balance unchanged
	var attached int64
	require.NoError(t, db.Model(&earning.EarningLog{}).
		Where("is_paid_out = ?", true).Count(&attached).Error)
	require.Zero(t, attached)
}

func TestCreatePayoutConservation(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", true)

	base := time.Now().Add(-time.Hour)
	seedEarning(t, db, "user-1", "40.00", base)
	seedEarning(t, db, "user-1", "30.00", base.Add(time.Minute))
	seedEarning(t, db, "user-1", "10.00", base.Add(2*time.Minute))

	_, err := svc.CreatePayout(context.Background(), "user-1", decimal.RequireFromString("50.00"))
	require.NoError(t, err)

	var logs []*earning.EarningLog
	require.NoError(t, db.Find(&logs, "referrer_id = ?", "user-1").Error)

	total := decimal.Zero
	for _, l := range logs {
		total = total.Add(l.AmountEarned)
	}
	require.True(t, total.Equal(decimal.RequireFromString("80.00")))
}

func TestCreatePayoutConcurrentSameUser(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", true)
	log := seedEarning(t, db, "user-1", "50.00", time.Now().Add(-time.Hour))

	// both withdrawals target the full balance; the locked settlement
	// transaction must let exactly one of them through
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreatePayout(context.Background(), "user-1", decimal.RequireFromString("50.00"))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes)

	var attached []*earning.EarningLog
	require.NoError(t, db.Find(&attached, "is_paid_out = ?", true).Error)
	require.Len(t, attached, 1)
	require.Equal(t, log.ID, attached[0].ID)

	var processing int64
	require.NoError(t, db.Model(&PayoutRequest{}).
		Where("status = ?", StatusProcessing).Count(&processing).Error)
	require.EqualValues(t, 1, processing)
}

func TestListByUserNewestFirst(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})

	old := &PayoutRequest{
		ID: "pr_old", UserID: "user-1", Status: StatusCompleted,
		AmountRequested: decimal.RequireFromString("10.00"),
		CreatedAt:       time.Now().Add(-time.Hour),
	}
	recent := &PayoutRequest{
		ID: "pr_new", UserID: "user-1", Status: StatusPending,
		AmountRequested: decimal.RequireFromString("20.00"),
		CreatedAt:       time.Now(),
	}
	require.NoError(t, db.Create(old).Error)
	require.NoError(t, db.Create(recent).Error)

	out, err := svc.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "pr_new", out[0].ID)
	require.Equal(t, "pr_old", out[1].ID)
}

func TestSelectWholeLogsExactFit(t *testing.T) {
	logs := []*earning.EarningLog{
		{ID: "a", AmountEarned: decimal.RequireFromString("25.00")},
		{ID: "b", AmountEarned: decimal.RequireFromString("25.00")},
		{ID: "c", AmountEarned: decimal.RequireFromString("0.01")},
	}

	selected := selectWholeLogs(logs, decimal.RequireFromString("50.00"))
	require.Len(t, selected, 2)
	require.Equal(t, "a", selected[0].ID)
	require.Equal(t, "b", selected[1].ID)
}

func TestSelectWholeLogsStopsAtFirstOverflow(t *testing.T) {
	logs := []*earning.EarningLog{
		{ID: "a", AmountEarned: decimal.RequireFromString("40.00")},
		{ID: "b", AmountEarned: decimal.RequireFromString("30.00")},
		{ID: "c", AmountEarned: decimal.RequireFromString("10.00")},
	}

	// 40 fits, 40+30 overflows; selection stops even though c would fit
	selected := selectWholeLogs(logs, decimal.RequireFromString("50.00"))
	require.Len(t, selected, 1)
	require.Equal(t, "a", selected[0].ID)
}
