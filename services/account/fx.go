package account

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"freelancehub-settlement/pkg/errutil"
)

var Module = fx.Module("account.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

type onboardRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Email  string `json:"email"`
}

type statusRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func registerRoutes(router *gin.Engine, svc *Service) {
	router.POST("/payout-accounts/onboard", func(c *gin.Context) {
		var req onboardRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
			return
		}

		result, err := svc.Onboard(c.Request.Context(), req.UserID, req.Email)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, result)
	})

	router.POST("/payout-accounts/status", func(c *gin.Context) {
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
			return
		}

		acct, err := svc.RefreshStatus(c.Request.Context(), req.UserID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, acct)
	})
}
