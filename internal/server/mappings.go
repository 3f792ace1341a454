package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openscribe/fhirlink/internal/agent/core"
	"github.com/openscribe/fhirlink/internal/auth"
	"github.com/openscribe/fhirlink/internal/queue/streams"
	"github.com/openscribe/fhirlink/internal/store"
)

var mappingsTracer = otel.Tracer("fhirlink/internal/server/mappings")

// discoveryEngine is what the handler needs from the discovery controller.
type discoveryEngine interface {
	Run(ctx context.Context, input core.DiscoveryInput) core.DiscoveryResult
}

// jobPublisher is what the handler needs to queue refresh jobs.
type jobPublisher interface {
	Publish(ctx context.Context, stream string, job streams.RefreshJob, opts ...streams.PublishOption) (string, error)
}

// MappingsHandler serves discovered EMR mappings and drives new discovery
// runs.
type MappingsHandler struct {
	Store     *store.Store
	Engine    discoveryEngine
	Publisher jobPublisher
	Stream    string
	Logger    *log.Logger
}

func (h *MappingsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(auth.EchoAuthMiddleware(secret))
	g.POST("/discover", h.discover)
	g.GET("", h.list)
	g.GET("/:emr_id", h.get)
	g.DELETE("/:emr_id", h.remove)
	g.GET("/:emr_id/runs", h.runs)
	g.POST("/:emr_id/refresh", h.refresh)
}

func (h *MappingsHandler) logger() *log.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.Default()
}

// discover runs a full discovery session synchronously and returns its
// outcome. The response carries the result whether or not discovery
// succeeded; clients check the success flag.
func (h *MappingsHandler) discover(c echo.Context) error {
	var req DiscoverRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EMRID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "emr_id required")
	}

	ctx, span := mappingsTracer.Start(c.Request().Context(), "MappingsHandler.discover")
	defer span.End()
	span.SetAttributes(attribute.String("emr_id", req.EMRID))

	sample := req.SampleData
	if sample == nil && req.BundleID != "" {
		rec, ok, err := h.Store.GetBundle(ctx, req.BundleID)
		if err != nil {
			span.RecordError(err)
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "bundle not found")
		}
		if err := json.Unmarshal(rec.Bundle, &sample); err != nil {
			span.RecordError(err)
			return echo.NewHTTPError(http.StatusInternalServerError, "stored bundle is not a JSON object")
		}
	}
	if sample == nil {
		// no sample in the request: default to the EMR's newest stored bundle
		bundles, err := h.Store.ListBundles(ctx, req.EMRID, 1)
		if err != nil {
			span.RecordError(err)
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if len(bundles) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "sample_data or bundle_id required, and no bundle is stored for "+req.EMRID)
		}
		if err := json.Unmarshal(bundles[0].Bundle, &sample); err != nil {
			span.RecordError(err)
			return echo.NewHTTPError(http.StatusInternalServerError, "stored bundle is not a JSON object")
		}
	}

	res := h.Engine.Run(ctx, core.DiscoveryInput{
		EMRID:       req.EMRID,
		APIDocURL:   req.APIDocURL,
		SampleData:  sample,
		Credentials: req.Credentials,
		MaxAttempts: req.MaxAttempts,
	})

	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.Int("attempts", res.Attempts),
	)
	if !res.Success {
		span.SetStatus(codes.Error, string(res.FailureKind))
	}

	// audit trail is best-effort; a failed insert never changes the outcome
	if rec, err := store.RunRecordFromResult(res); err != nil {
		h.logger().Printf("run %s: record conversion failed: %v", res.RunID, err)
	} else if err := h.Store.InsertDiscoveryRun(ctx, rec); err != nil {
		h.logger().Printf("run %s: audit insert failed: %v", res.RunID, err)
	}

	return c.JSON(http.StatusOK, res)
}

func (h *MappingsHandler) list(c echo.Context) error {
	items, err := h.Store.ListMappings(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []core.MappingRecord{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *MappingsHandler) get(c echo.Context) error {
	emrID := c.Param("emr_id")
	rec, ok, err := h.Store.GetMapping(c.Request().Context(), emrID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no mapping for "+emrID)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *MappingsHandler) remove(c echo.Context) error {
	emrID := c.Param("emr_id")
	if err := h.Store.DeleteMapping(c.Request().Context(), emrID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no mapping for "+emrID)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// runs lists the discovery runs recorded for one EMR, newest first.
func (h *MappingsHandler) runs(c echo.Context) error {
	emrID := c.Param("emr_id")
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

// refresh queues an asynchronous re-discovery for an EMR that already has a
// mapping. The worker picks the job up from the refresh stream.
func (h *MappingsHandler) refresh(c echo.Context) error {
	emrID := c.Param("emr_id")
	ctx := c.Request().Context()

	_, ok, err := h.Store.GetMapping(ctx, emrID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no mapping for "+emrID)
	}

	job := streams.RefreshJob{JobID: uuid.NewString(), EMRID: emrID, Reason: streams.ReasonManual}
	streamID, err := h.Publisher.Publish(ctx, h.Stream, job)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, RefreshResponse{JobID: job.JobID, StreamID: streamID})
}
