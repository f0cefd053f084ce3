package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/webserver"
	"github.com/talkincode/wablast/pkg/metrics"
)

func registerSystemRoutes() {
	webserver.ApiGET("/system/settings", getSettings)
	webserver.ApiPUT("/system/settings", putSettings)
	webserver.ApiGET("/system/metrics", getMetrics)
	webserver.ApiGET("/system/metrics/:name", getMetricSeries)
	webserver.ApiGET("/system/oprlogs", listOprLogs)
}

func getSettings(c echo.Context) error {
	return ok(c, GetAppContext(c).ConfigMgr().All())
}

// putSettings body: {"queue.batch_size": 100, ...}
func putSettings(c echo.Context) error {
	var settings map[string]interface{}
	if err := c.Bind(&settings); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if len(settings) == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "no settings given", nil)
	}
	appCtx := GetAppContext(c)
	if err := appCtx.SaveSettings(settings); err != nil {
		return failErr(c, err)
	}
	return ok(c, appCtx.ConfigMgr().All())
}

func getMetrics(c echo.Context) error {
	appCtx := GetAppContext(c)
	return ok(c, map[string]interface{}{
		"gauges":    metrics.Snapshot(),
		"processor": appCtx.Processor().Stats(),
	})
}

// getMetricSeries returns stored points of one gauge; from/to accept any
// common date layout and default to the last hour.
func getMetricSeries(c echo.Context) error {
	to := time.Now()
	from := to.Add(-time.Hour)
	if s := strings.TrimSpace(c.QueryParam("from")); s != "" {
		t, err := dateparse.ParseIn(s, time.Local)
		if err != nil {
			return failErr(c, &domain.ValidationError{Field: "from", Reason: err.Error()})
		}
		from = t
	}
	if s := strings.TrimSpace(c.QueryParam("to")); s != "" {
		t, err := dateparse.ParseIn(s, time.Local)
		if err != nil {
			return failErr(c, &domain.ValidationError{Field: "to", Reason: err.Error()})
		}
		to = t
	}
	points, err := metrics.Query(c.Param("name"), from, to)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, points)
}

func listOprLogs(c echo.Context) error {
	page, perPage := pageParams(c)
	query := GetDB(c).Model(&domain.SysOprLog{})
	if action := strings.TrimSpace(c.QueryParam("action")); action != "" {
		query = query.Where("opt_action = ?", action)
	}
	var total int64
	query.Count(&total)
	var logs []domain.SysOprLog
	if err := query.Order("opt_time DESC").Limit(perPage).Offset((page - 1) * perPage).Find(&logs).Error; err != nil {
		return failErr(c, err)
	}
	return paged(c, logs, total)
}
