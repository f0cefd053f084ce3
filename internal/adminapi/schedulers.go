package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/webserver"
	"github.com/talkincode/wablast/pkg/common"
)

var taskTypes = map[string]bool{
	domain.TaskRequeueStuck: true,
	domain.TaskSessionProbe: true,
}

// schedulerPayload is the create and partial update body
type schedulerPayload struct {
	Name     string `json:"name"`
	TaskType string `json:"task_type"`
	Interval int    `json:"interval"`
	Status   string `json:"status"`
	Config   string `json:"config"`
	Remark   string `json:"remark"`
}

// registerSchedulerRoutes registers scheduler API routes
func registerSchedulerRoutes() {
	webserver.ApiGET("/schedulers", ListSchedulers)
	webserver.ApiGET("/schedulers/:id", GetScheduler)
	webserver.ApiPOST("/schedulers", CreateScheduler)
	webserver.ApiPUT("/schedulers/:id", UpdateScheduler)
	webserver.ApiDELETE("/schedulers/:id", DeleteScheduler)
	webserver.ApiPOST("/schedulers/:id/run", TriggerScheduler)
}

// TriggerScheduler triggers the scheduler immediately
func TriggerScheduler(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}

	if err := GetAppContext(c).RunSchedulerNow(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failErr(c, err)
		}
		return fail(c, http.StatusInternalServerError, "RUN_FAILED", "Failed to run scheduler", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// findScheduler loads the scheduler named by the :id path param.
func findScheduler(c echo.Context) (*domain.WaScheduler, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, &domain.ValidationError{Field: "id", Reason: "invalid scheduler id"}
	}
	var s domain.WaScheduler
	if err := GetDB(c).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSchedulers retrieves the scheduler list
// @Summary get the scheduler list
// @Tags Schedulers
// @Param page query int false "Page number"
// @Param perPage query int false "Items per page"
// @Param sort query string false "Sort field"
// @Param order query string false "Sort direction"
// @Param name query string false "Scheduler name"
// @Param status query string false "Scheduler status"
// @Param task_type query string false "Task type"
// @Success 200 {object} ListResponse
// @Router /api/v1/schedulers [get]
func ListSchedulers(c echo.Context) error {
	db := GetDB(c)
	page, perPage := pageParams(c)

	sortField := c.QueryParam("sort")
	order := c.QueryParam("order")
	if !schedulerSortFields[sortField] {
		sortField = "id"
	}
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}

	query := db.Model(&domain.WaScheduler{})
	if name := strings.TrimSpace(c.QueryParam("name")); name != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(name)+"%")
	}
	for _, col := range []string{"status", "task_type"} {
		if v := strings.TrimSpace(c.QueryParam(col)); v != "" {
			query = query.Where(col+" = ?", v)
		}
	}

	var total int64
	query.Count(&total)
	var schedulers []domain.WaScheduler
	if err := query.Order(sortField + " " + order).Limit(perPage).Offset((page - 1) * perPage).Find(&schedulers).Error; err != nil {
		return failErr(c, err)
	}
	return paged(c, schedulers, total)
}

// GetScheduler fetches a single scheduler
// @Summary get scheduler detail
// @Tags Schedulers
// @Param id path int true "Scheduler ID"
// @Success 200 {object} domain.WaScheduler
// @Router /api/v1/schedulers/{id} [get]
func GetScheduler(c echo.Context) error {
	s, err := findScheduler(c)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, s)
}

// CreateScheduler creates a scheduler
// @Summary create a scheduler
// @Tags Schedulers
// @Param scheduler body schedulerPayload true "Scheduler information"
// @Success 201 {object} domain.WaScheduler
// @Router /api/v1/schedulers [post]
func CreateScheduler(c echo.Context) error {
	var payload schedulerPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}

	if err := checkSchedulerPayload(payload, true); err != nil {
		return failErr(c, err)
	}

	if schedulerNameTaken(c, payload.Name, 0) {
		return fail(c, http.StatusConflict, "NAME_EXISTS", "Scheduler name already exists", nil)
	}
	payload.Status = common.IfEmptyStr(payload.Status, common.ENABLED)

	now := time.Now()
	scheduler := domain.WaScheduler{
		ID:        common.UUIDint64(),
		Name:      payload.Name,
		TaskType:  payload.TaskType,
		Interval:  payload.Interval,
		Status:    payload.Status,
		Config:    payload.Config,
		Remark:    payload.Remark,
		NextRunAt: now.Add(time.Duration(payload.Interval) * time.Second),
	}

	if err := GetDB(c).Create(&scheduler).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create scheduler", err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{"data": scheduler})
}

// UpdateScheduler updates a scheduler
// @Summary update a scheduler
// @Tags Schedulers
// @Param id path int true "Scheduler ID"
// @Param scheduler body schedulerPayload true "Scheduler information"
// @Success 200 {object} domain.WaScheduler
// @Router /api/v1/schedulers/{id} [put]
func UpdateScheduler(c echo.Context) error {
	scheduler, err := findScheduler(c)
	if err != nil {
		return failErr(c, err)
	}

	var payload schedulerPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}

	if err := checkSchedulerPayload(payload, false); err != nil {
		return failErr(c, err)
	}

	if payload.Name != "" && payload.Name != scheduler.Name && schedulerNameTaken(c, payload.Name, scheduler.ID) {
		return fail(c, http.StatusConflict, "NAME_EXISTS", "Scheduler name already exists", nil)
	}

	updates := map[string]interface{}{}
	for col, v := range map[string]string{
		"name":      payload.Name,
		"task_type": payload.TaskType,
		"status":    payload.Status,
		"config":    payload.Config,
		"remark":    payload.Remark,
	} {
		if v != "" {
			updates[col] = v
		}
	}
	if payload.Interval > 0 {
		updates["interval"] = payload.Interval
		updates["next_run_at"] = time.Now().Add(time.Duration(payload.Interval) * time.Second)
	}
	if len(updates) > 0 {
		if err := GetDB(c).Model(scheduler).Updates(updates).Error; err != nil {
			return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update scheduler", err.Error())
		}
	}
	if err := GetDB(c).First(scheduler, scheduler.ID).Error; err != nil {
		return failErr(c, err)
	}
	return ok(c, scheduler)
}

// DeleteScheduler deletes a scheduler
// @Summary delete a scheduler
// @Tags Schedulers
// @Param id path int true "Scheduler ID"
// @Success 204 "No Content"
// @Router /api/v1/schedulers/{id} [delete]
func DeleteScheduler(c echo.Context) error {
	scheduler, err := findScheduler(c)
	if err != nil {
		return failErr(c, err)
	}
	if err := GetDB(c).Delete(scheduler).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete scheduler", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func schedulerNameTaken(c echo.Context, name string, exceptID int64) bool {
	var count int64
	GetDB(c).Model(&domain.WaScheduler{}).Where("name = ? AND id <> ?", name, exceptID).Count(&count)
	return count > 0
}

var schedulerSortFields = map[string]bool{
	"id": true, "name": true, "task_type": true, "interval": true,
	"status": true, "last_run_at": true, "next_run_at": true,
}

// checkSchedulerPayload enforces the field rules; create requires every field.
func checkSchedulerPayload(p schedulerPayload, create bool) error {
	name := strings.TrimSpace(p.Name)
	switch {
	case create && name == "":
		return &domain.ValidationError{Field: "name", Reason: "name is required"}
	case len(name) > 100:
		return &domain.ValidationError{Field: "name", Reason: "name exceeds 100 characters"}
	case create && p.TaskType == "":
		return &domain.ValidationError{Field: "task_type", Reason: "task_type is required"}
	case p.TaskType != "" && !taskTypes[p.TaskType]:
		return &domain.ValidationError{Field: "task_type", Reason: "unknown task type " + p.TaskType}
	case (create || p.Interval != 0) && p.Interval < 10:
		return &domain.ValidationError{Field: "interval", Reason: "interval must be at least 10 seconds"}
	case p.Status != "" && p.Status != common.ENABLED && p.Status != common.DISABLED:
		return &domain.ValidationError{Field: "status", Reason: "status is enabled or disabled"}
	case len(p.Config) > 2000:
		return &domain.ValidationError{Field: "config", Reason: "config exceeds 2000 characters"}
	case len(p.Remark) > 500:
		return &domain.ValidationError{Field: "remark", Reason: "remark exceeds 500 characters"}
	}
	return nil
}
