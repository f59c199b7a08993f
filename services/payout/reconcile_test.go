package payout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"freelancehub-settlement/pkg/processor"
	"freelancehub-settlement/services/account"
	"freelancehub-settlement/services/earning"
)

func transferEvent(t *testing.T, eventID, eventType, transferID, status, requestID, failureMessage string) *processor.Event {
	t.Helper()

	obj := map[string]any{
		"id":     transferID,
		"status": status,
	}
	if failureMessage != "" {
		obj["failure_message"] = failureMessage
	}
	if requestID != "" {
		obj["metadata"] = map[string]string{
			processor.MetadataPayoutRequestID: requestID,
		}
	}

	payload, err := json.Marshal(obj)
	require.NoError(t, err)

	return &processor.Event{ID: eventID, Type: eventType, Payload: payload}
}

func seedRequest(t *testing.T, db *gorm.DB, id, userID, status string, transferID *string) *PayoutRequest {
	t.Helper()

	req := &PayoutRequest{
		ID:                 id,
		UserID:             userID,
		AmountRequested:    decimal.RequireFromString("50.00"),
		AmountFee:          decimal.RequireFromString("2.00"),
		AmountNet:          decimal.RequireFromString("48.00"),
		Status:             status,
		ExternalTransferID: transferID,
		CreatedAt:          time.Now(),
	}
	require.NoError(t, db.Create(req).Error)
	return req
}

func attachEarning(t *testing.T, db *gorm.DB, log *earning.EarningLog, requestID string) {
	t.Helper()
	require.NoError(t, db.Model(log).Updates(map[string]any{
		"is_paid_out":       true,
		"payout_request_id": requestID,
	}).Error)
}

func TestHandleTransferCreatedMovesPendingToProcessing(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedRequest(t, db, "pr_1", "user-1", StatusPending, nil)

	ev := transferEvent(t, "evt_1", "transfer.created", "tr_1", "created", "pr_1", "")
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var req PayoutRequest
	require.NoError(t, db.First(&req, "id = ?", "pr_1").Error)
	require.Equal(t, StatusProcessing, req.Status)
	require.NotNil(t, req.ExternalTransferID)
	require.Equal(t, "tr_1", *req.ExternalTransferID)
	require.NotNil(t, req.ProcessedAt)
}

func TestHandleTransferUpdatedPaidCompletes(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	tr := "tr_1"
	seedRequest(t, db, "pr_1", "user-1", StatusProcessing, &tr)

	ev := transferEvent(t, "evt_1", "transfer.updated", "tr_1", "paid", "pr_1", "")
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var req PayoutRequest
	require.NoError(t, db.First(&req, "id = ?", "pr_1").Error)
	require.Equal(t, StatusCompleted, req.Status)
}

func TestHandleTransferUpdatedRedeliveryIsIdempotent(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	tr := "tr_1"
	seedRequest(t, db, "pr_1", "user-1", StatusProcessing, &tr)

	ev := transferEvent(t, "evt_1", "transfer.updated", "tr_1", "paid", "pr_1", "")
	require.NoError(t, svc.HandleEvent(context.Background(), ev))
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var req PayoutRequest
	require.NoError(t, db.First(&req, "id = ?", "pr_1").Error)
	require.Equal(t, StatusCompleted, req.Status)

	// redelivery reuses the unique audit row instead of inserting another
	var events int64
	require.NoError(t, db.Model(&WebhookEvent{}).Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestHandleTransferFailedReleasesEarnings(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	tr := "tr_1"
	seedRequest(t, db, "pr_1", "user-1", StatusProcessing, &tr)

	base := time.Now().Add(-time.Hour)
	first := seedEarning(t, db, "user-1", "30.00", base)
	second := seedEarning(t, db, "user-1", "20.00", base.Add(time.Minute))
	attachEarning(t, db, first, "pr_1")
	attachEarning(t, db, second, "pr_1")

	ev := transferEvent(t, "evt_1", "transfer.failed", "tr_1", "failed", "pr_1", "account frozen")
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var req PayoutRequest
	require.NoError(t, db.First(&req, "id = ?", "pr_1").Error)
	require.Equal(t, StatusFailed, req.Status)
	require.NotNil(t, req.FailureReason)
	require.Equal(t, "account frozen", *req.FailureReason)

	// both attached logs are spendable again
	for _, id := range []string{first.ID, second.ID} {
		var l earning.EarningLog
		require.NoError(t, db.First(&l, "id = ?", id).Error)
		require.False(t, l.IsPaidOut)
		require.Nil(t, l.PayoutRequestID)
	}
}

func TestTerminalStateAbsorbsLaterEvents(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	tr := "tr_1"
	seedRequest(t, db, "pr_1", "user-1", StatusProcessing, &tr)

	log := seedEarning(t, db, "user-1", "30.00", time.Now().Add(-time.Hour))
	attachEarning(t, db, log, "pr_1")

	failed := transferEvent(t, "evt_1", "transfer.failed", "tr_1", "failed", "pr_1", "account frozen")
	require.NoError(t, svc.HandleEvent(context.Background(), failed))

	// a straggling paid event must not resurrect the failed request or
	// re-earmark the released log
	paid := transferEvent(t, "evt_2", "transfer.updated", "tr_1", "paid", "pr_1", "")
	require.NoError(t, svc.HandleEvent(context.Background(), paid))

	var req PayoutRequest
	require.NoError(t, db.First(&req, "id = ?", "pr_1").Error)
	require.Equal(t, StatusFailed, req.Status)

	var l earning.EarningLog
	require.NoError(t, db.First(&l, "id = ?", log.ID).Error)
	require.False(t, l.IsPaidOut)
	require.Nil(t, l.PayoutRequestID)
}

func TestTransferEventFallsBackToStoredTransferID(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	tr := "tr_1"
	seedRequest(t, db, "pr_1", "user-1", StatusProcessing, &tr)

	// no metadata on the event; resolution goes through the stored id
	ev := transferEvent(t, "evt_1", "transfer.updated", "tr_1", "paid", "", "")
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var req PayoutRequest
	require.NoError(t, db.First(&req, "id = ?", "pr_1").Error)
	require.Equal(t, StatusCompleted, req.Status)
}

func TestTransferEventForUnknownRequestIsDropped(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})

	ev := transferEvent(t, "evt_1", "transfer.updated", "tr_missing", "paid", "pr_missing", "")
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var events int64
	require.NoError(t, db.Model(&WebhookEvent{}).Count(&events).Error)
	require.EqualValues(t, 1, events)
}

func TestHandleAccountUpdated(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", false)

	payload, err := json.Marshal(map[string]any{
		"id":                "acct_user-1",
		"details_submitted": true,
		"charges_enabled":   true,
		"payouts_enabled":   true,
		"country":           "US",
		"external_accounts": map[string]any{
			"data": []map[string]any{{"last4": "6789"}},
		},
	})
	require.NoError(t, err)

	ev := &processor.Event{ID: "evt_1", Type: "account.updated", Payload: payload}
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var row account.PayoutAccount
	require.NoError(t, db.First(&row, "user_id = ?", "user-1").Error)
	require.Equal(t, account.StatusVerified, row.Status)
	require.True(t, row.PayoutEnabled)
	require.Equal(t, "US", row.Country)
	require.Equal(t, "6789", row.BankLast4)
}

func TestHandleAccountUpdatedMissingCapabilityDisables(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})
	seedAccount(t, db, "user-1", true)

	payload, err := json.Marshal(map[string]any{
		"id":                "acct_user-1",
		"details_submitted": true,
		"charges_enabled":   true,
		"payouts_enabled":   false,
	})
	require.NoError(t, err)

	ev := &processor.Event{ID: "evt_1", Type: "account.updated", Payload: payload}
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var row account.PayoutAccount
	require.NoError(t, db.First(&row, "user_id = ?", "user-1").Error)
	require.Equal(t, account.StatusPending, row.Status)
	require.False(t, row.PayoutEnabled)
}

func TestUnhandledEventTypeIsRecordedAndIgnored(t *testing.T) {
	svc, db := newTestService(t, &fakeProcessor{})

	ev := &processor.Event{ID: "evt_1", Type: "charge.succeeded", Payload: json.RawMessage(`{}`)}
	require.NoError(t, svc.HandleEvent(context.Background(), ev))

	var audit WebhookEvent
	require.NoError(t, db.First(&audit, "provider_event_id = ?", "evt_1").Error)
	require.Equal(t, "charge.succeeded", audit.EventType)
	require.NotNil(t, audit.ProcessedAt)
	require.Empty(t, audit.ProcessingError)
}
