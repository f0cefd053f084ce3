package adminapi

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/queue"
	"github.com/talkincode/wablast/internal/webserver"
)

func registerQueueRoutes() {
	webserver.ApiPOST("/queue", postEnqueue)
	webserver.ApiGET("/queue", listQueue)
	webserver.ApiGET("/queue/counts", getQueueCounts)
	webserver.ApiPOST("/queue/process", postQueueProcess)
	webserver.ApiPOST("/queue/requeue", postQueueRequeue)
	webserver.ApiGET("/queue/:id", getQueueStatus)
	webserver.ApiGET("/queue/:id/history", getQueueHistory)
	webserver.ApiDELETE("/queue/:id", deleteQueueItem)
}

// flexID accepts ids as JSON strings or numbers without float rounding.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "session_id", Reason: "not an id: " + s}
	}
	*f = flexID(v)
	return nil
}

type enqueuePayload struct {
	SessionID   flexID `json:"session_id"`
	Recipient   string `json:"recipient"`
	Body        string `json:"body"`
	MediaRef    string `json:"media_ref"`
	Priority    int    `json:"priority"`
	ScheduledAt string `json:"scheduled_at"`
	MaxRetries  int    `json:"max_retries"`
}

// parseSchedule accepts any common date layout in the local zone.
func parseSchedule(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := dateparse.ParseIn(s, time.Local)
	if err != nil {
		return nil, &domain.ValidationError{Field: "scheduled_at", Reason: err.Error()}
	}
	return &t, nil
}

func postEnqueue(c echo.Context) error {
	var payload enqueuePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	at, err := parseSchedule(payload.ScheduledAt)
	if err != nil {
		return failErr(c, err)
	}
	appCtx := GetAppContext(c)
	if payload.MaxRetries <= 0 {
		payload.MaxRetries = appCtx.ConfigMgr().GetInt("queue", "max_retries")
	}

	item, err := appCtx.Queue().Enqueue(c.Request().Context(), queue.EnqueueRequest{
		SessionID:   int64(payload.SessionID),
		Recipient:   payload.Recipient,
		Body:        payload.Body,
		MediaRef:    payload.MediaRef,
		Priority:    payload.Priority,
		ScheduledAt: at,
		MaxRetries:  payload.MaxRetries,
	})
	if err != nil {
		return failErr(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"data": map[string]interface{}{
			"queue_id": strconv.FormatInt(item.ID, 10),
			"status":   item.Status,
		},
	})
}

func listQueue(c echo.Context) error {
	page, perPage := pageParams(c)
	f := queue.Filter{
		SessionID: cast.ToInt64(c.QueryParam("session_id")),
		Status:    strings.TrimSpace(c.QueryParam("status")),
		Recipient: strings.TrimSpace(c.QueryParam("recipient")),
	}
	items, total, err := GetAppContext(c).Queue().List(c.Request().Context(), f, page, perPage)
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, items, total)
}

func getQueueCounts(c echo.Context) error {
	counts, err := GetAppContext(c).Queue().Counts(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, counts)
}

func getQueueStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid queue ID", nil)
	}
	view, err := GetAppContext(c).Queue().StatusOf(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, view)
}

func getQueueHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid queue ID", nil)
	}
	events, err := GetAppContext(c).Queue().History(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, events)
}

func deleteQueueItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid queue ID", nil)
	}
	if err := GetAppContext(c).Queue().Delete(c.Request().Context(), id); err != nil {
		return failErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// postQueueProcess runs one delivery pass now instead of waiting for the job.
func postQueueProcess(c echo.Context) error {
	appCtx := GetAppContext(c)
	batch := cast.ToInt(c.QueryParam("batch_size"))
	if batch <= 0 {
		batch = appCtx.ConfigMgr().GetInt("queue", "batch_size")
	}
	reports, err := appCtx.Processor().ProcessDue(c.Request().Context(), batch)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{
		"batches": reports,
		"stats":   appCtx.Processor().Stats(),
	})
}

// postQueueRequeue returns items stuck in processing to pending.
func postQueueRequeue(c echo.Context) error {
	appCtx := GetAppContext(c)
	minutes := cast.ToInt(c.QueryParam("minutes"))
	if minutes <= 0 {
		minutes = appCtx.ConfigMgr().GetInt("queue", "stuck_minutes")
	}
	n, err := appCtx.Queue().RequeueStuck(c.Request().Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		return failErr(c, err)
	}
	zap.L().Info("adminapi: requeued stuck items", zap.Int64("count", n))
	return ok(c, map[string]interface{}{"requeued": n})
}
