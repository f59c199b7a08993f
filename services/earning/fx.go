package earning

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"freelancehub-settlement/pkg/errutil"
)

var Module = fx.Module("earning.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

func registerRoutes(router *gin.Engine, svc *Service) {
	router.GET("/earnings", func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			_ = c.Error(errutil.BadRequest("user_id is required"))
			return
		}

		logs, err := svc.ListByReferrer(c.Request.Context(), userID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		summary, err := svc.Summarize(c.Request.Context(), userID)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"earnings": logs,
			"summary":  summary,
		})
	})
}
