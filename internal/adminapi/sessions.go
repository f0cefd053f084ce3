package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/eventchan"
	"github.com/talkincode/wablast/internal/session"
	"github.com/talkincode/wablast/internal/webserver"
)

func registerSessionRoutes() {
	webserver.ApiGET("/sessions", listSessions)
	webserver.ApiPOST("/sessions", createSession)
	webserver.ApiGET("/sessions/:id", getSessionStatus)
	webserver.ApiDELETE("/sessions/:id", deleteSession)
	webserver.ApiGET("/sessions/:id/device", getSessionDevice)
	webserver.ApiGET("/sessions/:id/code", getSessionCode)
	webserver.ApiPOST("/sessions/:id/connect", postSessionConnect)
	webserver.ApiPOST("/sessions/:id/refresh", postSessionRefresh)
	webserver.ApiPOST("/sessions/:id/disconnect", postSessionDisconnect)
	webserver.ApiPOST("/sessions/:id/send", postSessionSend)
	webserver.ApiGET("/sessions/:id/events", streamSessionEvents)
}

type connectPayload struct {
	Headless *bool `json:"headless"`
	Timeout  int   `json:"timeout"` // seconds
}

func listSessions(c echo.Context) error {
	sessions, err := GetAppContext(c).Sessions().List(c.Request().Context())
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, sessions, int64(len(sessions)))
}

func createSession(c echo.Context) error {
	var payload struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" || len(payload.Name) > 100 {
		return fail(c, http.StatusBadRequest, "INVALID_NAME", "name is required (max 100 characters)", nil)
	}

	ctx := c.Request().Context()
	mgr := GetAppContext(c).Sessions()
	id, err := mgr.Create(ctx, payload.Name)
	if err != nil {
		return failErr(c, err)
	}
	s, err := mgr.Get(ctx, id)
	if err != nil {
		return failErr(c, err)
	}
	zap.L().Info("adminapi: session created", zap.Int64("session_id", id), zap.String("name", s.Name))
	return c.JSON(http.StatusCreated, map[string]interface{}{"data": s})
}

// getSessionStatus reports the session, probing a connected one for liveness.
func getSessionStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	s, err := GetAppContext(c).Sessions().Status(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, s)
}

func deleteSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	if err := GetAppContext(c).Sessions().Delete(c.Request().Context(), id); err != nil {
		return failErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func getSessionDevice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	dev, err := GetAppContext(c).Sessions().Device(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, dev)
}

// getSessionCode returns the stored login code for polling clients.
func getSessionCode(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	s, err := GetAppContext(c).Sessions().Get(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{
		"status":     s.Status,
		"login_code": s.LoginCode,
		"has_code":   s.LoginCode != "",
	})
}

func postSessionConnect(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	var payload connectPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	appCtx := GetAppContext(c)
	opts := session.ConnectOptions{
		Headless: appCtx.Config().Browser.Headless,
		Timeout:  time.Duration(payload.Timeout) * time.Second,
	}
	if payload.Headless != nil {
		opts.Headless = *payload.Headless
	}

	res, err := appCtx.Sessions().Connect(c.Request().Context(), id, opts)
	if err != nil {
		return failErr(c, err)
	}
	zap.L().Info("adminapi: session connect",
		zap.Int64("session_id", id),
		zap.String("status", res.Status),
		zap.String("strategy", res.Strategy))
	return ok(c, res)
}

func postSessionRefresh(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	res, err := GetAppContext(c).Sessions().RefreshCode(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, res)
}

func postSessionDisconnect(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	mgr := GetAppContext(c).Sessions()
	if err := mgr.Disconnect(c.Request().Context(), id); err != nil {
		return failErr(c, err)
	}
	s, err := mgr.Get(c.Request().Context(), id)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, s)
}

// postSessionSend delivers one message immediately, bypassing the queue.
func postSessionSend(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	var payload struct {
		Recipient string `json:"recipient"`
		Body      string `json:"body"`
		MediaRef  string `json:"media_ref"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if strings.TrimSpace(payload.Recipient) == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "recipient is required", nil)
	}

	res := GetAppContext(c).Sessions().Send(c.Request().Context(), id, payload.Recipient, payload.Body, payload.MediaRef)
	if res.Err != nil {
		return failErr(c, res.Err)
	}
	return ok(c, map[string]interface{}{
		"success":    res.Success,
		"message_id": res.ExternalID,
	})
}

var sseLineBreaks = strings.NewReplacer("\r", "", "\n", "")

// sseField keeps a value on a single event stream line.
func sseField(s string) string { return sseLineBreaks.Replace(s) }

// streamSessionEvents relays session push events as server-sent events until
// the client goes away.
func streamSessionEvents(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	mgr := GetAppContext(c).Sessions()
	if _, err := mgr.Get(c.Request().Context(), id); err != nil {
		return failErr(c, err)
	}

	events := make(chan eventchan.Event, 32)
	remove := mgr.Subscribe(id, eventchan.ObserverFunc(func(ev eventchan.Event) {
		select {
		case events <- ev:
		default:
			zap.L().Warn("adminapi: event stream slow, dropping event", zap.Int64("session_id", id))
		}
	}))
	defer remove()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-keepalive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			w.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + sseField(ev.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
