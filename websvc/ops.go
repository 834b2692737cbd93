package websvc

import (
	"github.com/gin-gonic/gin"

	"github.com/dragonfly-ops/dragonfly/service"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

// HandleGuardianRun triggers one guardian scan on demand.
func HandleGuardianRun(c *gin.Context, s *service.Service) {
	report, err := s.Guardian.Run(c.Request.Context())
	if err != nil {
		wscutils.SendDegraded(c, err.Error(), nil)
		return
	}
	wscutils.SendOK(c, gin.H{
		"status":        "ok",
		"checked":       report.Checked,
		"marked_failed": report.MarkedFailed,
		"errors":        report.Errors,
	})
}
