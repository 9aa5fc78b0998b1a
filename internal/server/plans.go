package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/mentor/internal/runtime"
	"github.com/mohammad-safakhou/mentor/internal/store"
	"github.com/mohammad-safakhou/mentor/internal/trainer"
)

// PlanDirectory is the read side the plans handler serves from.
type PlanDirectory interface {
	GetPlan(ctx context.Context, id string) (store.TrainingPlan, bool, error)
	ListPlans(ctx context.Context, agentID string, limit int) ([]store.TrainingPlan, error)
	ListTasks(ctx context.Context, planID, topic, status string, limit int) ([]store.TrainingTask, error)
}

// PlanManager is the plan lifecycle surface.
type PlanManager interface {
	CreatePlan(ctx context.Context, agentID string, topics []string, opts trainer.PlanOptions) (store.TrainingPlan, error)
	Start(ctx context.Context, planID string) error
	Pause(ctx context.Context, planID string) error
	Cancel(ctx context.Context, planID string) error
	GetProgress(ctx context.Context, planID string) (trainer.Progress, error)
}

// PlansHandler exposes the training plan lifecycle: create, start, pause,
// cancel, progress, and task listings.
type PlansHandler struct {
	Store   PlanDirectory
	Manager PlanManager
}

func (h *PlansHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/start", h.start)
	g.POST("/:id/pause", h.pause)
	g.POST("/:id/cancel", h.cancel)
	g.GET("/:id/progress", h.progress)
	g.GET("/:id/tasks", h.tasks)
}

// mapTrainerErr translates domain errors into HTTP status codes.
func mapTrainerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, trainer.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, trainer.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *PlansHandler) create(c echo.Context) error {
	var req CreatePlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	plan, err := h.Manager.CreatePlan(c.Request().Context(), req.AgentID, req.Topics, trainer.PlanOptions{
		PerTopicMax: req.PerTopicMax,
		SourceTypes: req.SourceTypes,
		RefreshCron: req.RefreshCron,
	})
	if err != nil {
		return mapTrainerErr(err)
	}
	return c.JSON(http.StatusCreated, plan)
}

func (h *PlansHandler) list(c echo.Context) error {
	limit := intQuery(c, "limit", 50)
	plans, err := h.Store.ListPlans(c.Request().Context(), c.QueryParam("agent_id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, plans)
}

func (h *PlansHandler) get(c echo.Context) error {
	plan, ok, err := h.Store.GetPlan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	return c.JSON(http.StatusOK, plan)
}

func (h *PlansHandler) start(c echo.Context) error {
	if err := h.Manager.Start(c.Request().Context(), c.Param("id")); err != nil {
		return mapTrainerErr(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *PlansHandler) pause(c echo.Context) error {
	if err := h.Manager.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return mapTrainerErr(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *PlansHandler) cancel(c echo.Context) error {
	if err := h.Manager.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return mapTrainerErr(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *PlansHandler) progress(c echo.Context) error {
	prog, err := h.Manager.GetProgress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapTrainerErr(err)
	}
	return c.JSON(http.StatusOK, prog)
}

func (h *PlansHandler) tasks(c echo.Context) error {
	tasks, err := h.Store.ListTasks(c.Request().Context(),
		c.Param("id"), c.QueryParam("topic"), c.QueryParam("status"), intQuery(c, "limit", 200))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tasks)
}

func intQuery(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
