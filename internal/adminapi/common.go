// Package adminapi implements the admin HTTP handlers.
package adminapi

import (
	"errors"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/app"
	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/webserver"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Init registers every admin route on the web server.
func Init() {
	registerSessionRoutes()
	registerQueueRoutes()
	registerBulkRoutes()
	registerSchedulerRoutes()
	registerSystemRoutes()
}

// ListResponse paged list envelope
type ListResponse struct {
	Data  interface{} `json:"data"`
	Total int64       `json:"total"`
}

// ErrorResponse error envelope
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func paged(c echo.Context, data interface{}, total int64) error {
	return c.JSON(http.StatusOK, ListResponse{Data: data, Total: total})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorResponse{Error: code, Message: message, Details: details})
}

// failErr maps a domain error to its HTTP status.
func failErr(c echo.Context, err error) error {
	var (
		validation *domain.ValidationError
		duplicate  *domain.DuplicateNameError
		notConn    *domain.NotConnectedError
		noValid    *domain.NoValidRecipientsError
		config     *domain.ConfigurationError
	)
	switch {
	case errors.As(err, &validation):
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", validation.Error(), validation.Field)
	case errors.As(err, &noValid):
		return fail(c, http.StatusBadRequest, "NO_VALID_RECIPIENTS", noValid.Error(), nil)
	case errors.As(err, &duplicate):
		return fail(c, http.StatusConflict, "NAME_EXISTS", duplicate.Error(), nil)
	case errors.As(err, &notConn):
		return fail(c, http.StatusConflict, "NOT_CONNECTED", notConn.Error(), notConn.Status)
	case errors.Is(err, domain.ErrInvalidTransition):
		return fail(c, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Record not found", nil)
	case errors.As(err, &config):
		return fail(c, http.StatusServiceUnavailable, "CONFIGURATION_ERROR", config.Error(), nil)
	default:
		return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Request failed", err.Error())
	}
}

// GetAppContext returns the application context set by the web server
func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(webserver.AppContextKey).(app.AppContext)
}

// GetDB returns the request scoped database handle
func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB().WithContext(c.Request().Context())
}

func parseID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

// pageParams reads page/perPage with the admin defaults.
func pageParams(c echo.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	perPage, _ = strconv.Atoi(c.QueryParam("perPage"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}
	return page, perPage
}
