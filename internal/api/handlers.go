package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fetcharr/fetcharr/internal/store"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.queue.RunningCount(),
		"clients": s.hub.ClientCount(),
	})
}

// --- Requests ---

type createRequestBody struct {
	ExternalID         string                 `json:"externalId"`
	Kind               string                 `json:"kind"`
	Title              string                 `json:"title"`
	Year               int                    `json:"year"`
	Targets            []store.DeliveryTarget `json:"targets"`
	RequiredResolution *string                `json:"requiredResolution"`
}

func (s *Server) listRequests(c echo.Context) error {
	ctx := c.Request().Context()

	if status := c.QueryParam("status"); status != "" {
		reqs, err := s.store.ListRequestsByStatus(ctx, store.RequestStatus(status))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list requests")
		}
		return c.JSON(http.StatusOK, reqs)
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid limit")
		}
		limit = n
	}

	reqs, err := s.store.ListRequests(ctx, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list requests")
	}
	return c.JSON(http.StatusOK, reqs)
}

func (s *Server) createRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	kind := store.MediaKind(body.Kind)
	if kind != store.KindMovie && kind != store.KindSeries {
		return echo.NewHTTPError(http.StatusBadRequest, "Kind must be movie or series")
	}
	if body.ExternalID == "" || body.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "externalId and title are required")
	}

	req, err := s.executor.CreateRequest(c.Request().Context(), store.CreateRequestParams{
		ExternalID:         body.ExternalID,
		Kind:               kind,
		Title:              body.Title,
		Year:               body.Year,
		Targets:            body.Targets,
		RequiredResolution: body.RequiredResolution,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, req)
}

func (s *Server) getRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Request not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load request")
	}

	items, err := s.store.ListItemsForRequest(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load items")
	}
	jobs, err := s.store.ListJobsForRequest(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load jobs")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"request": req,
		"items":   items,
		"jobs":    jobs,
	})
}

func (s *Server) cancelRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := s.executor.CancelRequest(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to cancel request")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) retryRequest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Request not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load request")
	}
	if req.Status != store.RequestFailed && req.Status != store.RequestAwaiting &&
		req.Status != store.RequestQualityUnavailable {
		return echo.NewHTTPError(http.StatusConflict, "Request is not retryable in its current state")
	}

	if _, err := s.store.TransitionRequestStatus(ctx, id,
		[]store.RequestStatus{req.Status}, store.RequestNew, "Retried by user"); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to reset request")
	}
	if err := s.executor.Advance(ctx, id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to queue retry")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) overrideSelection(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}

	var body struct {
		Release json.RawMessage `json:"release"`
	}
	if err := c.Bind(&body); err != nil || len(body.Release) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "A release object is required")
	}

	if err := s.executor.OverrideSelection(c.Request().Context(), id, body.Release); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Jobs ---

func (s *Server) listJobs(c echo.Context) error {
	status := c.QueryParam("status")
	if status == "" {
		status = string(store.JobRunning)
	}
	jobs, err := s.store.ListJobsByStatus(c.Request().Context(), store.JobStatus(status))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list jobs")
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) jobStats(c echo.Context) error {
	stats, err := s.queue.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load job stats")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) cancelJob(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := s.queue.RequestCancel(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) pauseJob(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := s.queue.Pause(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resumeJob(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := s.queue.Resume(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Approvals ---

func (s *Server) listApprovals(c echo.Context) error {
	approvals, err := s.store.ListPendingApprovals(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list approvals")
	}
	return c.JSON(http.StatusOK, approvals)
}

type approvalDecisionBody struct {
	ProcessedBy string  `json:"processedBy"`
	Comment     *string `json:"comment"`
}

func (s *Server) approve(c echo.Context) error {
	return s.decideApproval(c, true)
}

func (s *Server) reject(c echo.Context) error {
	return s.decideApproval(c, false)
}

func (s *Server) decideApproval(c echo.Context, approve bool) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}

	var body approvalDecisionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if body.ProcessedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "processedBy is required")
	}

	if err := s.approvals.Process(c.Request().Context(), id, approve, body.ProcessedBy, body.Comment); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Approval not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Settings ---

func (s *Server) listSettings(c echo.Context) error {
	settings, err := s.store.ListSettings(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list settings")
	}
	return c.JSON(http.StatusOK, settings)
}

func (s *Server) putSetting(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "A setting key is required")
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	ctx := c.Request().Context()
	if err := s.store.SetSetting(ctx, key, body.Value); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save setting")
	}

	// Interval settings take effect immediately; everything else applies at
	// the next startup.
	if key == "search_retry_interval_hours" {
		if hours, err := strconv.Atoi(body.Value); err == nil && hours > 0 {
			if err := s.sched.UpdateInterval("retry-awaiting", time.Duration(hours)*time.Hour); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to apply retry interval")
			}
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Scheduler and logs ---

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sched.List())
}

func (s *Server) recentLogs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.broadcaster.Recent())
}

func paramID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid id")
	}
	return id, nil
}
