package adminapi

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/bulk"
	"github.com/talkincode/wablast/internal/recipients"
	"github.com/talkincode/wablast/internal/webserver"
)

func registerBulkRoutes() {
	webserver.ApiPOST("/sessions/:id/bulk/send", postBulkSend)
	webserver.ApiPOST("/sessions/:id/bulk/enqueue", postBulkEnqueue)
	webserver.ApiPOST("/sessions/:id/bulk/upload", postBulkUpload)
	webserver.ApiPOST("/recipients/import", postRecipientsImport)
	webserver.ApiGET("/recipients/template", getRecipientsTemplate)
}

type bulkPayload struct {
	Recipients    []string `json:"recipients"`
	Body          string   `json:"body"`
	MediaRef      string   `json:"media_ref"`
	MaxWorkers    int      `json:"max_workers"`
	RatePerMinute int      `json:"rate_per_minute"`
	Priority      int      `json:"priority"`
	ScheduledAt   string   `json:"scheduled_at"`
}

func sendBulk(c echo.Context, sessionID int64, p bulkPayload) error {
	appCtx := GetAppContext(c)
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = appCtx.ConfigMgr().GetInt("bulk", "max_workers")
	}
	if p.RatePerMinute <= 0 {
		p.RatePerMinute = appCtx.ConfigMgr().GetInt("bulk", "rate_per_minute")
	}
	rep, err := appCtx.Bulk().SendBulk(c.Request().Context(), bulk.Request{
		SessionID:     sessionID,
		Recipients:    p.Recipients,
		Body:          p.Body,
		MediaRef:      p.MediaRef,
		MaxWorkers:    p.MaxWorkers,
		RatePerMinute: p.RatePerMinute,
	})
	if err != nil {
		return failErr(c, err)
	}
	zap.L().Info("adminapi: bulk send done",
		zap.Int64("session_id", sessionID),
		zap.String("status", rep.Status),
		zap.Int("success", rep.SuccessCount),
		zap.Int("failed", rep.FailedCount))
	return ok(c, rep)
}

func enqueueBulk(c echo.Context, sessionID int64, p bulkPayload) error {
	at, err := parseSchedule(p.ScheduledAt)
	if err != nil {
		return failErr(c, err)
	}
	rep, err := GetAppContext(c).Bulk().EnqueueBulk(c.Request().Context(), bulk.EnqueueRequest{
		SessionID:   sessionID,
		Recipients:  p.Recipients,
		Body:        p.Body,
		MediaRef:    p.MediaRef,
		Priority:    p.Priority,
		ScheduledAt: at,
	})
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, rep)
}

func postBulkSend(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	var p bulkPayload
	if err := c.Bind(&p); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	return sendBulk(c, id, p)
}

func postBulkEnqueue(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	var p bulkPayload
	if err := c.Bind(&p); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	return enqueueBulk(c, id, p)
}

// readUpload parses the multipart "file" field as a recipient list.
func readUpload(c echo.Context) (*recipients.List, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return recipients.Parse(fh.Filename, f)
}

// postBulkUpload sends or queues to every number of an uploaded list.
// Form fields: file, body, media_ref, mode (send or enqueue).
func postBulkUpload(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	list, err := readUpload(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILE", "Unable to read recipient file", err.Error())
	}
	p := bulkPayload{
		Recipients:    append(append([]string{}, list.Valid...), list.Invalid...),
		Body:          c.FormValue("body"),
		MediaRef:      c.FormValue("media_ref"),
		MaxWorkers:    cast.ToInt(c.FormValue("max_workers")),
		RatePerMinute: cast.ToInt(c.FormValue("rate_per_minute")),
		Priority:      cast.ToInt(c.FormValue("priority")),
		ScheduledAt:   c.FormValue("scheduled_at"),
	}
	if strings.EqualFold(c.FormValue("mode"), "send") {
		return sendBulk(c, id, p)
	}
	return enqueueBulk(c, id, p)
}

func postRecipientsImport(c echo.Context) error {
	list, err := readUpload(c)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, list)
}

// getRecipientsTemplate returns an example list in csv or xlsx.
func getRecipientsTemplate(c echo.Context) error {
	sample := []recipients.Recipient{
		{Phone: "+6281234567890", Name: "Example"},
	}
	var buf bytes.Buffer
	if strings.EqualFold(c.QueryParam("format"), "xlsx") {
		if err := recipients.WriteXLSX(&buf, sample); err != nil {
			return failErr(c, err)
		}
		c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="recipients.xlsx"`)
		return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
	if err := recipients.WriteCSV(&buf, sample); err != nil {
		return failErr(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="recipients.csv"`)
	return c.Blob(http.StatusOK, "text/csv", buf.Bytes())
}
