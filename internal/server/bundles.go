package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/openscribe/fhirlink/internal/agent/core"
	"github.com/openscribe/fhirlink/internal/auth"
	"github.com/openscribe/fhirlink/internal/store"
)

// BundlesHandler stores and serves FHIR bundle samples. Discovery runs and
// scheduled refreshes draw their sample payloads from here.
type BundlesHandler struct {
	Store *store.Store
}

func (h *BundlesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(auth.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
}

func (h *BundlesHandler) create(c echo.Context) error {
	var req BundleCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Bundle) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "bundle required")
	}
	rec, err := h.Store.SaveBundle(c.Request().Context(), store.BundleRecord{EMRID: req.EMRID, Bundle: req.Bundle})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, bundleResponse(rec, false))
}

func (h *BundlesHandler) list(c echo.Context) error {
	emrID := c.QueryParam("emr_id")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	recs, err := h.Store.ListBundles(c.Request().Context(), emrID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]BundleResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, bundleResponse(rec, false))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *BundlesHandler) get(c echo.Context) error {
	id := c.Param("id")
	rec, ok, err := h.Store.GetBundle(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no bundle "+id)
	}
	return c.JSON(http.StatusOK, bundleResponse(rec, true))
}

func (h *BundlesHandler) remove(c echo.Context) error {
	id := c.Param("id")
	if err := h.Store.DeleteBundle(c.Request().Context(), id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no bundle "+id)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
