package idempotency

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "X-Idempotency-Replayed"
)

// Middleware makes POST/PUT/PATCH requests carrying an Idempotency-Key run at
// most once per (tenant, user, key). Retries get the first response replayed.
// A retry that arrives while the first attempt is still running gets 409;
// reusing a key for a different route gets 422. Failed attempts release the
// key so the client may retry.
func Middleware(store Store, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			switch req.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				return next(c)
			}

			clientKey := req.Header.Get(HeaderKey)
			if clientKey == "" {
				clientKey = req.Header.Get("X-Idempotency-Key")
			}
			if clientKey == "" {
				return next(c)
			}

			ctx := req.Context()
			key := db.TenantFromContext(ctx) + ":" + auth.UserIDFromContext(ctx) + ":" + clientKey
			path := req.URL.Path

			if rec, err := store.Get(ctx, key); err == nil {
				if rec.Method != req.Method || rec.Path != path {
					return echo.NewHTTPError(http.StatusUnprocessableEntity,
						"idempotency key was already used for a different operation")
				}
				return replay(c, rec)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}

			reserved, err := store.Reserve(ctx, key)
			if err != nil {
				return err
			}
			if !reserved {
				if rec, err := store.Get(ctx, key); err == nil && rec.Method == req.Method && rec.Path == path {
					return replay(c, rec)
				}
				return echo.NewHTTPError(http.StatusConflict, "a request with this idempotency key is in progress")
			}

			orig := c.Response().Writer
			rw := &recorder{ResponseWriter: orig, header: make(http.Header), status: http.StatusOK}
			c.Response().Writer = rw

			herr := next(c)
			c.Response().Writer = orig
			if herr != nil || rw.status >= http.StatusInternalServerError {
				if err := store.Release(ctx, key); err != nil {
					logger.Warn().Err(err).Msg("release idempotency key")
				}
				if herr != nil {
					// The error handler writes the response; reset echo's
					// committed flag set while the recorder was installed.
					c.Response().Committed = false
					return herr
				}
			} else {
				rec := &Record{
					Method:     req.Method,
					Path:       path,
					StatusCode: rw.status,
					Headers:    rw.header.Clone(),
					Body:       rw.body.Bytes(),
					CreatedAt:  time.Now().UTC(),
				}
				if err := store.Save(ctx, key, rec); err != nil {
					logger.Warn().Err(err).Msg("save idempotency record")
				}
			}

			for k, vals := range rw.header {
				orig.Header()[k] = vals
			}
			orig.WriteHeader(rw.status)
			_, err = orig.Write(rw.body.Bytes())
			return err
		}
	}
}

func replay(c echo.Context, rec *Record) error {
	h := c.Response().Header()
	for k, vals := range rec.Headers {
		h[k] = vals
	}
	h.Set(HeaderReplayed, "true")
	return c.Blob(rec.StatusCode, rec.Headers.Get(echo.HeaderContentType), rec.Body)
}

type recorder struct {
	http.ResponseWriter
	header http.Header
	body   bytes.Buffer
	status int
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) { r.status = code }

func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }
