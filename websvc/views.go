package websvc

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dragonfly-ops/dragonfly/dataservice"
	"github.com/dragonfly-ops/dragonfly/service"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

// HandleFetchView serves dashboard view reads through the REST-first,
// direct-SQL-fallback data service. Filters arrive as repeated "filter"
// query params in the col=op.value micro-language.
func HandleFetchView(c *gin.Context, s *service.Service) {
	view := c.Param("name")
	if !dataservice.ValidViewName(view) {
		wscutils.SendDegraded(c, "invalid view name", nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "1000"))
	filters := c.QueryArray("filter")

	result, err := s.Data.FetchView(c.Request.Context(), view, filters, limit)
	if err != nil {
		wscutils.SendDegraded(c, wscutils.TruncateError(err.Error()), nil)
		return
	}
	wscutils.SendOK(c, gin.H{
		"rows":   result.Rows,
		"source": result.Source,
	})
}
