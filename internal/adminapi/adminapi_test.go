package adminapi

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wablast/config"
	"github.com/talkincode/wablast/internal/app"
	"github.com/talkincode/wablast/internal/browser"
	"github.com/talkincode/wablast/internal/codeextract"
	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/eventchan"
	"github.com/talkincode/wablast/internal/recipients"
	"github.com/talkincode/wablast/internal/session"
	"github.com/talkincode/wablast/internal/testutil"
	"github.com/talkincode/wablast/internal/webserver"
)

// stubDriver logs in immediately unless showCode is set.
type stubDriver struct {
	life     browser.Lifecycle
	showCode bool
}

func (d *stubDriver) Connect(ctx context.Context, _ time.Duration) (*browser.ConnectResult, error) {
	if d.showCode {
		return &browser.ConnectResult{Code: &codeextract.Result{
			Status:   codeextract.StatusOK,
			Strategy: "canvas",
			Image:    []byte("png"),
		}}, nil
	}
	if err := d.life.Connected(ctx); err != nil {
		return nil, err
	}
	return &browser.ConnectResult{Authenticated: true}, nil
}

func (d *stubDriver) Send(_ context.Context, recipient, _, _ string) domain.SendResult {
	return domain.SendResult{Success: true, ExternalID: "ext-" + recipient}
}

func (d *stubDriver) Alive(context.Context) error { return nil }
func (d *stubDriver) Disconnect()                 {}

type testServer struct {
	app      *app.Application
	handler  http.Handler
	showCode bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	factory := func(_ int64, life browser.Lifecycle, _ session.ConnectOptions, _ *eventchan.Observers) session.Driver {
		return &stubDriver{life: life, showCode: ts.showCode}
	}
	cfg := config.DefaultAppConfig()
	ts.app = app.NewWithDB(cfg, testutil.NewDB(t), factory)
	t.Cleanup(func() { ts.app.Bus().WaitAsync() })
	webserver.Init(ts.app)
	Init()
	ts.handler = webserver.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, webserver.ApiPrefix+path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func data(t *testing.T, out map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := out["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", out)
	return d
}

func (ts *testServer) createSession(t *testing.T, name string) string {
	rec, out := ts.do(t, http.MethodPost, "/sessions", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	return data(t, out)["id"].(string)
}

func TestSessionLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t, "sales")

	rec, out := ts.do(t, http.MethodPost, "/sessions", `{"name":"sales"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NAME_EXISTS", out["error"])

	rec, out = ts.do(t, http.MethodPost, "/sessions/"+id+"/connect", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SessionConnected, data(t, out)["status"])

	rec, out = ts.do(t, http.MethodGet, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SessionConnected, data(t, out)["status"])

	rec, out = ts.do(t, http.MethodPost, "/sessions/"+id+"/send", `{"recipient":"+447911123456","body":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ext-+447911123456", data(t, out)["message_id"])

	rec, out = ts.do(t, http.MethodPost, "/sessions/"+id+"/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SessionDisconnected, data(t, out)["status"])

	rec, out = ts.do(t, http.MethodPost, "/sessions/"+id+"/send", `{"recipient":"+447911123456","body":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_CONNECTED", out["error"])

	rec, _ = ts.do(t, http.MethodDelete, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionConnectReturnsCode(t *testing.T) {
	ts := newTestServer(t)
	ts.showCode = true
	id := ts.createSession(t, "ops")

	rec, out := ts.do(t, http.MethodPost, "/sessions/"+id+"/connect", `{"headless":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(t, out)
	assert.Equal(t, domain.SessionConnecting, d["status"])
	assert.Equal(t, "canvas", d["strategy"])
	assert.True(t, strings.HasPrefix(d["login_code"].(string), "data:image/png;base64,"))

	rec, out = ts.do(t, http.MethodGet, "/sessions/"+id+"/code", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data(t, out)["has_code"])
}

func TestSessionBadID(t *testing.T) {
	ts := newTestServer(t)
	rec, out := ts.do(t, http.MethodGet, "/sessions/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ID", out["error"])
}

func TestQueueRoutes(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t, "queue")

	rec, out := ts.do(t, http.MethodPost, "/queue",
		`{"session_id":`+id+`,"recipient":"+447911123456","body":"hello","scheduled_at":"2020-01-02 15:04:05"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	qid := data(t, out)["queue_id"].(string)
	assert.Equal(t, domain.QueuePending, data(t, out)["status"])

	rec, out = ts.do(t, http.MethodGet, "/queue/"+qid, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.QueuePending, data(t, out)["status"])
	assert.EqualValues(t, 3, data(t, out)["max_retries"])

	rec, out = ts.do(t, http.MethodPost, "/queue", `{"session_id":"`+id+`","recipient":"x","body":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", out["error"])

	rec, out = ts.do(t, http.MethodPost, "/queue", `{"session_id":"`+id+`","recipient":"+447911123456","body":"x","scheduled_at":"not a date"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "scheduled_at", out["details"])

	// connect so the manual run can deliver
	rec, _ = ts.do(t, http.MethodPost, "/sessions/"+id+"/connect", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/queue/process", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out = ts.do(t, http.MethodGet, "/queue/"+qid+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := out["data"].([]interface{})
	require.Len(t, history, 2)
	assert.Equal(t, domain.QueueSent, history[1].(map[string]interface{})["status"])

	rec, out = ts.do(t, http.MethodGet, "/queue/counts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, data(t, out)[domain.QueueSent])

	rec, out = ts.do(t, http.MethodGet, "/queue?status=sent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["total"])

	rec, _ = ts.do(t, http.MethodDelete, "/queue/"+qid, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/queue/"+qid, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkRoutes(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t, "bulk")

	// a session without a stored login shows a code and cannot send yet
	ts.showCode = true
	rec, out := ts.do(t, http.MethodPost, "/sessions/"+id+"/bulk/send",
		`{"recipients":["+447911123456"],"body":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_CONNECTED", out["error"])
	assert.Equal(t, domain.SessionConnecting, out["details"])
	ts.showCode = false

	rec, out = ts.do(t, http.MethodPost, "/sessions/"+id+"/bulk/send", `{"recipients":["abc"],"body":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "NO_VALID_RECIPIENTS", out["error"])

	rec, _ = ts.do(t, http.MethodPost, "/sessions/"+id+"/connect", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out = ts.do(t, http.MethodPost, "/sessions/"+id+"/bulk/send",
		`{"recipients":["+447911123456","bogus","+447911123457"],"body":"hi","rate_per_minute":6000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(t, out)
	assert.Equal(t, "success", d["status"])
	assert.EqualValues(t, 2, d["success_count"])
	assert.Equal(t, []interface{}{"bogus"}, d["invalid_recipients"])

	rec, out = ts.do(t, http.MethodPost, "/sessions/"+id+"/bulk/enqueue",
		`{"recipients":["+447911123456","bogus"],"body":"later"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	d = data(t, out)
	assert.Equal(t, "partial", d["status"])
	assert.Len(t, d["queue_ids"], 1)
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestBulkUploadEnqueues(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createSession(t, "upload")

	var xlsx bytes.Buffer
	require.NoError(t, recipients.WriteXLSX(&xlsx, []recipients.Recipient{
		{Phone: "+447911123456", Name: "A"},
		{Phone: "+447911123457", Name: "B"},
	}))
	body, ctype := multipartBody(t, "list.xlsx", xlsx.Bytes(), map[string]string{"body": "hello", "mode": "enqueue"})
	req := httptest.NewRequest(http.MethodPost, webserver.ApiPrefix+"/sessions/"+id+"/bulk/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.EqualValues(t, 2, data(t, out)["success_count"])
}

func TestRecipientsImportAndTemplate(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, webserver.ApiPrefix+"/recipients/template", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phone")

	body, ctype := multipartBody(t, "list.csv", rec.Body.Bytes(), nil)
	req := httptest.NewRequest(http.MethodPost, webserver.ApiPrefix+"/recipients/import", body)
	req.Header.Set("Content-Type", ctype)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []interface{}{"+6281234567890"}, data(t, out)["valid"])
}

func TestSchedulerRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodGet, "/schedulers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["total"])

	rec, out = ts.do(t, http.MethodPost, "/schedulers", `{"name":"fast probe","task_type":"session_probe","interval":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "interval", out["details"])

	rec, out = ts.do(t, http.MethodPost, "/schedulers", `{"name":"x","task_type":"latency_check","interval":60}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "task_type", out["details"])

	rec, out = ts.do(t, http.MethodPost, "/schedulers", `{"name":"fast probe","task_type":"session_probe","interval":30}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sid := data(t, out)["id"].(string)

	rec, out = ts.do(t, http.MethodPut, "/schedulers/"+sid, `{"status":"disabled"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", data(t, out)["status"])

	rec, _ = ts.do(t, http.MethodPost, "/schedulers/"+sid+"/run", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/schedulers/12345/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodDelete, "/schedulers/"+sid, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSettingsRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec, out := ts.do(t, http.MethodPut, "/system/settings", `{"queue.batch_size":"25"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "25", data(t, out)["queue.batch_size"])

	rec, out = ts.do(t, http.MethodPut, "/system/settings", `{"batch_size":"25"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", out["error"])

	rec, out = ts.do(t, http.MethodGet, "/system/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "25", data(t, out)["queue.batch_size"])
}

func TestFlexID(t *testing.T) {
	var p enqueuePayload
	require.NoError(t, json.Unmarshal([]byte(`{"session_id":1785812345678901234}`), &p))
	assert.EqualValues(t, 1785812345678901234, p.SessionID)
	require.NoError(t, json.Unmarshal([]byte(`{"session_id":"42"}`), &p))
	assert.EqualValues(t, 42, p.SessionID)
	assert.Error(t, json.Unmarshal([]byte(`{"session_id":"x"}`), &p))
}

func TestSSEFieldSingleLine(t *testing.T) {
	assert.Equal(t, "status", sseField("status"))
	assert.Equal(t, "statusdata: {}", sseField("status\r\ndata: {}\n"))
	assert.NotContains(t, sseField("a\rb\nc"), "\n")
}
