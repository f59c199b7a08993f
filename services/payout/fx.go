package payout

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"freelancehub-settlement/pkg/errutil"
	"freelancehub-settlement/pkg/processor"
)

var Module = fx.Module("payout.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

// signatureHeader carries the processor's signature over the raw body.
const signatureHeader = "Stripe-Signature"

type createPayoutRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type payoutResponse struct {
	PayoutRequestID string          `json:"payout_request_id"`
	AmountRequested decimal.Decimal `json:"amount_requested"`
	AmountFee       decimal.Decimal `json:"amount_fee"`
	AmountNet       decimal.Decimal `json:"amount_net"`
	Status          string          `json:"status"`
}

func registerRoutes(router *gin.Engine, svc *Service, proc processor.Client) {
	router.POST("/payouts", func(c *gin.Context) {
		var req createPayoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
			return
		}

		result, err := svc.CreatePayout(c.Request.Context(), req.UserID, req.Amount)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, payoutResponse{
			PayoutRequestID: result.ID,
			AmountRequested: result.AmountRequested,
			AmountFee:       result.AmountFee,
			AmountNet:       result.AmountNet,
			Status:          result.Status,
		})
	})

	router.GET("/payouts", func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			_ = c.Error(errutil.BadRequest("user_id is required"))
			return
		}

		payouts, err := svc.ListByUser(c.Request.Context(), userID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"payouts": payouts})
	})

	// The signature is computed over the exact request bytes, so the body
	// must be read raw before any JSON parsing happens.
	router.POST("/webhooks/payouts", func(c *gin.Context) {
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		event, err := proc.VerifyWebhook(payload, c.GetHeader(signatureHeader))
		if err != nil {
			zap.L().Warn("rejected webhook with invalid signature", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}

		if err := svc.HandleEvent(c.Request.Context(), event); err != nil {
			// Surfacing the error lets the processor redeliver; handlers
			// are idempotent so the retry is safe.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"received": true})
	})
}
