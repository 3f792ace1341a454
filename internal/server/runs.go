package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/openscribe/fhirlink/internal/auth"
	"github.com/openscribe/fhirlink/internal/store"
)

// RunsHandler serves the stored audit trail of discovery runs.
type RunsHandler struct {
	Store *store.Store
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(auth.EchoAuthMiddleware(secret))
	g.GET("", h.list)
	g.GET("/:run_id", h.get)
}

func (h *RunsHandler) list(c echo.Context) error {
	emrID := c.QueryParam("emr_id")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	recs, err := h.Store.ListDiscoveryRuns(c.Request().Context(), emrID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, runSummary(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RunsHandler) get(c echo.Context) error {
	runID := c.Param("run_id")
	rec, ok, err := h.Store.GetDiscoveryRun(c.Request().Context(), runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no run "+runID)
	}
	return c.JSON(http.StatusOK, runDetail(rec))
}
