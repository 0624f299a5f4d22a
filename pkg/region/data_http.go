package region

import (
	"context"
	"errors"
	"strings"

	fiber "github.com/gofiber/fiber/v3"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/version"
)

// WithMgmtData serves string keyed entries of svc under /data/:key. svc is usually the
// region wrapped in middleware.
func WithMgmtData(svc Service) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.data = svc }
}

type tagView struct {
	Member        string `json:"member"`
	RegionVersion uint64 `json:"region_version"`
	EntryVersion  uint64 `json:"entry_version"`
	Timestamp     int64  `json:"timestamp"`
}

func viewOf(tag *version.Tag) tagView {
	if tag == nil {
		return tagView{}
	}

	return tagView{
		Member:        string(tag.Member),
		RegionVersion: tag.RegionVersion,
		EntryVersion:  tag.EntryVersion,
		Timestamp:     tag.Timestamp,
	}
}

// statusOf maps an operation error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, sentinel.ErrInvalidKey), errors.Is(err, sentinel.ErrNilValue):
		return fiber.StatusBadRequest
	case IsNotFound(err):
		return fiber.StatusNotFound
	case errors.Is(err, sentinel.ErrClosed), IsReattempt(err):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, sentinel.ErrTimeoutOrCanceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}

	return fiber.StatusInternalServerError
}

// keyParam copies the route key out of the request buffer, which fiber reuses.
func keyParam(fiberCtx fiber.Ctx) string { return strings.Clone(fiberCtx.Params("key")) }

func failure(fiberCtx fiber.Ctx, err error) error {
	return fiberCtx.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error(), "reattempt": IsReattempt(err)})
}

func (s *ManagementHTTPServer) registerData(ctx context.Context, useAuth func(fiber.Handler) fiber.Handler) {
	svc := s.data

	s.app.Get("/data/:key", useAuth(func(fiberCtx fiber.Ctx) error {
		v, ok, err := svc.Get(ctx, keyParam(fiberCtx))
		if err != nil {
			return failure(fiberCtx, err)
		}

		if !ok {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no value"})
		}

		return fiberCtx.JSON(fiber.Map{"key": fiberCtx.Params("key"), "value": v})
	}))
	s.app.Put("/data/:key", useAuth(func(fiberCtx fiber.Ctx) error {
		body := fiberCtx.Body()
		if len(body) == 0 {
			return failure(fiberCtx, sentinel.ErrNilValue)
		}

		tag, err := svc.Put(ctx, keyParam(fiberCtx), string(body))
		if err != nil {
			return failure(fiberCtx, err)
		}

		return fiberCtx.JSON(viewOf(tag))
	}))
	s.app.Post("/data/:key/invalidate", useAuth(func(fiberCtx fiber.Ctx) error {
		tag, err := svc.Invalidate(ctx, keyParam(fiberCtx))
		if err != nil {
			return failure(fiberCtx, err)
		}

		return fiberCtx.JSON(viewOf(tag))
	}))
	s.app.Delete("/data/:key", useAuth(func(fiberCtx fiber.Ctx) error {
		tag, err := svc.Destroy(ctx, keyParam(fiberCtx))
		if err != nil {
			return failure(fiberCtx, err)
		}

		return fiberCtx.JSON(viewOf(tag))
	}))
}
