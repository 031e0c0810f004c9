package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

// bg detaches idempotency-key cleanup from request contexts that may
// already be cancelled.
var bg = context.Background()

// Register wires the task board HTTP surface onto e.
func Register(e *echo.Echo, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	e.GET("/healthz", healthz())

	e.GET("/api/boards/:board", getBoard(opts.Boards, opts.Auth, logger))
	e.GET("/api/boards/:board/tasks", getTasks(opts.Boards, opts.Auth, logger))
	e.POST("/api/boards/:board/tasks", postTask(opts.Boards, opts.Auth, opts.Deduper, logger), GzipRequestMiddleware())
	e.PATCH("/api/boards/:board/tasks/:id", patchTask(opts.Boards, opts.Auth, opts.Deduper, logger), GzipRequestMiddleware())
	e.POST("/api/boards/:board/tasks/:id/move", moveTask(opts.Boards, opts.Auth, opts.Deduper, logger))
	e.DELETE("/api/boards/:board/tasks/:id", deleteTask(opts.Boards, opts.Auth, opts.Deduper, logger))
	e.POST("/api/boards/:board/tasks/bulk", bulkUpdateTasks(opts.Boards, opts.Auth, opts.Deduper, logger), GzipRequestMiddleware())
	e.GET("/api/boards/:board/stats", getStats(opts.Boards, opts.Auth, logger))
	e.GET("/api/boards/:board/stream", streamEvents(opts.Boards, opts.Auth, logger))
	e.GET("/api/boards/:board/ws", serveBoardSocket(opts.Boards, opts.Auth, logger))
	e.POST("/api/boards/:board/close", closeBoard(opts.Boards, opts.Auth))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
}

func getBoard(boards BoardSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := actorFromHeader(c, auth); err != nil {
			return unauthorized(c)
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}
		return c.JSON(http.StatusOK, boardResponse{Board: eng.Board(), WIP: eng.WIP()})
	}
}

func getTasks(boards BoardSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newTaskRequestMetrics(c.Request().Context(), logger)

		authStart := time.Now()
		_, err := actorFromHeader(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			metrics.Log(http.StatusUnauthorized, err)
			return unauthorized(c)
		}

		criteria, err := criteriaFromQuery(c.QueryParams())
		if err != nil {
			metrics.SetErrorStage("invalid_criteria")
			metrics.Log(http.StatusBadRequest, err)
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		metrics.SetCriteriaProvided(!criteria.IsZero())
		metrics.SetBoard(c.Param("board"))

		viewStart := time.Now()
		eng, err := boards.Engine(ctx, c.Param("board"))
		if err != nil {
			metrics.ObserveView(time.Since(viewStart))
			metrics.SetErrorStage("board")
			if errors.Is(err, board.ErrUnknownBoard) {
				metrics.Log(http.StatusNotFound, err)
			} else {
				metrics.Log(http.StatusBadGateway, err)
			}
			return writeBoardError(c, logger, err)
		}
		tasks := eng.View(criteria, criteria.SortBy, criteria.SortOrder)
		metrics.ObserveView(time.Since(viewStart))
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks, Total: len(tasks)})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
			metrics.Log(http.StatusInternalServerError, err)
			return err
		}

		metrics.Log(http.StatusOK, nil)
		return nil
	}
}

func getStats(boards BoardSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := actorFromHeader(c, auth); err != nil {
			return unauthorized(c)
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}
		return c.JSON(http.StatusOK, eng.Statistics())
	}
}

func postTask(boards BoardSource, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := actorFromHeader(c, auth)
		if err != nil {
			return unauthorized(c)
		}
		var draft domain.TaskDraft
		if err := decodeStrict(c.Request().Body, taskPayloadMaxSize, &draft); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed task payload", Detail: err.Error()})
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}
		release, dup := claimIdempotency(c, deduper, logger, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}
		task, err := eng.Create(c.Request().Context(), userID, draft)
		if err != nil {
			release()
			return writeEngineError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func patchTask(boards BoardSource, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := actorFromHeader(c, auth)
		if err != nil {
			return unauthorized(c)
		}
		var patch domain.TaskPatch
		if err := decodeStrict(c.Request().Body, taskPayloadMaxSize, &patch); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed patch payload", Detail: err.Error()})
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}
		release, dup := claimIdempotency(c, deduper, logger, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}
		task, err := eng.Update(c.Request().Context(), userID, c.Param("id"), patch)
		if err != nil {
			release()
			return writeEngineError(c, logger, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func moveTask(boards BoardSource, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := actorFromHeader(c, auth)
		if err != nil {
			return unauthorized(c)
		}
		var req moveRequest
		if err := decodeStrict(c.Request().Body, taskPayloadMaxSize, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed move payload", Detail: err.Error()})
		}
		if req.Status == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "move requires a status"})
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}
		release, dup := claimIdempotency(c, deduper, logger, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}
		task, err := eng.Move(c.Request().Context(), userID, c.Param("id"), req.Status, req.Force)
		if err != nil {
			release()
			return writeEngineError(c, logger, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(boards BoardSource, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := actorFromHeader(c, auth)
		if err != nil {
			return unauthorized(c)
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}
		release, dup := claimIdempotency(c, deduper, logger, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}
		if err := eng.Delete(c.Request().Context(), userID, c.Param("id")); err != nil {
			release()
			return writeEngineError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func bulkUpdateTasks(boards BoardSource, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := actorFromHeader(c, auth)
		if err != nil {
			return unauthorized(c)
		}
		var req bulkRequest
		if err := decodeStrict(c.Request().Body, bulkPayloadMaxSize, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed bulk payload", Detail: err.Error()})
		}
		if len(req.TaskIDs) == 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "bulk update requires task ids"})
		}
		eng, err := boards.Engine(c.Request().Context(), c.Param("board"))
		if err != nil {
			return writeBoardError(c, logger, err)
		}
		release, dup := claimIdempotency(c, deduper, logger, userID)
		if dup {
			return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
		}
		res, err := eng.BulkUpdate(c.Request().Context(), userID, req.TaskIDs, req.Patch)
		if err != nil {
			release()
			return writeEngineError(c, logger, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func closeBoard(boards BoardSource, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := actorFromHeader(c, auth); err != nil {
			return unauthorized(c)
		}
		closed := boards.Close(c.Param("board"))
		return c.JSON(http.StatusOK, closeResponse{Closed: closed})
	}
}

// actorFromHeader resolves the acting user from the Authorization
// header, falling back to a token query parameter for transports that
// cannot set headers (EventSource, browser websockets).
func actorFromHeader(c echo.Context, auth Authenticator) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if token := c.QueryParam("token"); token != "" {
			header = "Bearer " + token
		}
	}
	return auth.UserIDFromAuthHeader(header)
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}

func writeBoardError(c echo.Context, logger *log.Logger, err error) error {
	if errors.Is(err, board.ErrUnknownBoard) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown board"})
	}
	logger.WithError(err).WithField("board", c.Param("board")).Error("board engine unavailable")
	return c.JSON(http.StatusBadGateway, errorResponse{Error: "board unavailable"})
}

// writeEngineError maps engine failures onto HTTP statuses. ErrNotFound
// is checked before PersistenceError so a backend-reported miss still
// reads as 404 rather than a gateway failure.
func writeEngineError(c echo.Context, logger *log.Logger, err error) error {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "mutation rejected", Reason: verr.Reason, Detail: verr.Detail})
	}
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
	}
	if errors.Is(err, domain.ErrInvalidTask) || errors.Is(err, domain.ErrInvalidBoard) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if errors.Is(err, board.ErrClosed) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "board closed"})
	}
	var perr *domain.PersistenceError
	if errors.As(err, &perr) {
		logger.WithError(err).WithField("board", c.Param("board")).Error("persistence failure")
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "persistence failure"})
	}
	logger.WithError(err).WithField("board", c.Param("board")).Error("unhandled engine failure")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// claimIdempotency reserves the request's Idempotency-Key. A false
// second return means the key was seen before and the request is a
// replay. The release func undoes the claim so a failed mutation can be
// retried with the same key; it is a no-op when nothing was claimed.
func claimIdempotency(c echo.Context, deduper Deduper, logger *log.Logger, userID string) (release func(), duplicate bool) {
	key := c.Request().Header.Get(headerIdempotencyKey)
	if deduper == nil || key == "" {
		return func() {}, false
	}
	added, err := deduper.Add(c.Request().Context(), userID, key)
	if err != nil {
		// A dedupe store outage must not take mutations down with it.
		logger.WithError(err).Warn("idempotency check unavailable, accepting request")
		return func() {}, false
	}
	if !added {
		return func() {}, true
	}
	return func() {
		if err := deduper.Remove(bg, userID, key); err != nil {
			logger.WithError(err).Warn("idempotency key release failed")
		}
	}, false
}
