package tracking

import (
	"errors"

	"backend-lari2gether/internal/auth"
	"backend-lari2gether/internal/reconcile"
	"backend-lari2gether/internal/remote"
	"backend-lari2gether/internal/tracker"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Use(authMiddleware)

	r.Post("/sessions", func(c *fiber.Ctx) error {
		var req StartRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		snap, err := svc.StartSession(c.Context(), auth.UserID(c), auth.Token(c), req)
		if err != nil {
			return toHTTPError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(snap)
	})

	r.Post("/sessions/:id/samples", func(c *fiber.Ctx) error {
		var sample tracker.RawSample
		if err := c.BodyParser(&sample); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if sample.Timestamp.IsZero() {
			return fiber.NewError(fiber.StatusBadRequest, "timestamp required")
		}
		if err := svc.PushSample(auth.UserID(c), c.Params("id"), sample); err != nil {
			return toHTTPError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/sessions/:id/pause", func(c *fiber.Ctx) error {
		snap, err := svc.Pause(auth.UserID(c), c.Params("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/sessions/:id/resume", func(c *fiber.Ctx) error {
		snap, err := svc.Resume(auth.UserID(c), c.Params("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/sessions/:id/stop", func(c *fiber.Ctx) error {
		var req StopRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		res, err := svc.Stop(c.Context(), auth.UserID(c), auth.Token(c), c.Params("id"), req.Confirm)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(StopResponse{Record: res.Record, Synced: res.Synced})
	})

	r.Get("/sessions/:id", func(c *fiber.Ctx) error {
		snap, err := svc.Snapshot(auth.UserID(c), c.Params("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(snap)
	})

	r.Get("/", func(c *fiber.Ctx) error {
		records, err := svc.Records(c.Context(), auth.UserID(c), auth.Token(c))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(records)
	})

	r.Get("/remote", func(c *fiber.Ctx) error {
		rows, err := svc.RemoteRuns(c.Context(), auth.UserID(c))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(rows)
	})

	r.Post("/reconcile", func(c *fiber.Ctx) error {
		report, err := svc.Reconcile(c.Context(), auth.UserID(c), auth.Token(c))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(report)
	})

	r.Delete("/:id", func(c *fiber.Ctx) error {
		source, err := reconcile.ParseSource(c.Query("source"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		res, err := svc.DeleteRun(c.Context(), auth.UserID(c), auth.Token(c), c.Params("id"), source)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(deleteResponse(res))
	})
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, tracker.ErrPermissionDenied):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, tracker.ErrInvalidTransition), errors.Is(err, tracker.ErrStopNotConfirmed):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrRunNotFound), errors.Is(err, remote.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, reconcile.ErrUnauthenticated):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrRemoteUnavailable), errors.Is(err, reconcile.ErrSyncFailure):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
