package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/mentor/internal/ingest"
	"github.com/mohammad-safakhou/mentor/internal/runtime"
	"github.com/mohammad-safakhou/mentor/internal/store"
)

// MemoryDirectory is the read side the memories handler serves from.
type MemoryDirectory interface {
	ListMemories(ctx context.Context, agentID string, limit, offset int) ([]store.MemoryRecord, error)
	CountMemories(ctx context.Context, agentID string) (int, error)
	ListFeedEvents(ctx context.Context, agentID, taskID string, limit int) ([]store.FeedEventRecord, error)
	ListRejections(ctx context.Context, scopeID string, limit int) ([]store.RejectionRecord, error)
}

// MemoriesHandler exposes read-only views over what an agent has learned:
// persisted memories, the feed audit trail, the rejection ledger, and
// keyword search over recently fed content.
type MemoriesHandler struct {
	Store MemoryDirectory
	Index *ingest.SearchIndex
}

func (h *MemoriesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/:agent_id/memories", h.listMemories)
	g.GET("/:agent_id/memories/search", h.search)
	g.GET("/:agent_id/feed-events", h.listFeedEvents)
	g.GET("/:agent_id/rejections", h.listRejections)
}

func (h *MemoriesHandler) listMemories(c echo.Context) error {
	agentID := c.Param("agent_id")
	limit := intQuery(c, "limit", 50)
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	records, err := h.Store.ListMemories(c.Request().Context(), agentID, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	total, err := h.Store.CountMemories(c.Request().Context(), agentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":    total,
		"memories": records,
	})
}

func (h *MemoriesHandler) search(c echo.Context) error {
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "search index disabled")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	hits, err := h.Index.Search(c.Param("agent_id"), q, intQuery(c, "k", 10))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Hits: hits})
}

func (h *MemoriesHandler) listFeedEvents(c echo.Context) error {
	events, err := h.Store.ListFeedEvents(c.Request().Context(),
		c.Param("agent_id"), c.QueryParam("task_id"), intQuery(c, "limit", 100))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, events)
}

func (h *MemoriesHandler) listRejections(c echo.Context) error {
	rejections, err := h.Store.ListRejections(c.Request().Context(),
		c.Param("agent_id"), intQuery(c, "limit", 100))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rejections)
}
