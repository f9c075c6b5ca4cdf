package middleware

import (
	"bytes"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/singleflight"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
)

type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

// Idempotency replays the stored response for a repeated POST carrying the
// same Idempotency-Key, so a client retrying a booking after a timeout gets
// its appointment back instead of a slot conflict. Only successful responses
// are stored. Requests that arrive while the first one with their key is
// still running wait for it and replay its response; if it fails they make
// their own attempt. scope separates callers; pass nil to share one
// namespace.
func Idempotency(size int, scope func(c echo.Context) string) (echo.MiddlewareFunc, error) {
	cache, err := lru.New[string, *cachedResponse](size)
	if err != nil {
		return nil, fmt.Errorf("create idempotency cache: %w", err)
	}
	var inflight singleflight.Group

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			idemKey := req.Header.Get(IdempotencyKeyHeader)
			if req.Method != http.MethodPost || idemKey == "" {
				return next(c)
			}

			key := req.URL.Path + "|" + idemKey
			if scope != nil {
				key = scope(c) + "|" + key
			}
			for {
				if hit, ok := cache.Get(key); ok {
					return replay(c, hit)
				}
				led := false
				v, err, _ := inflight.Do(key, func() (interface{}, error) {
					led = true
					resp, err := record(c, next)
					if resp != nil {
						cache.Add(key, resp)
					}
					return resp, err
				})
				if led {
					return err
				}
				if hit, _ := v.(*cachedResponse); hit != nil {
					return replay(c, hit)
				}
			}
		}
	}, nil
}

func replay(c echo.Context, hit *cachedResponse) error {
	c.Response().Header().Set(ReplayedHeader, "true")
	return c.Blob(hit.status, hit.contentType, hit.body)
}

// record runs next and returns its response when it is worth storing.
func record(c echo.Context, next echo.HandlerFunc) (*cachedResponse, error) {
	rec := &bodyRecorder{ResponseWriter: c.Response().Writer}
	c.Response().Writer = rec
	err := next(c)
	c.Response().Writer = rec.ResponseWriter

	status := c.Response().Status
	if err != nil || status < 200 || status >= 300 {
		return nil, err
	}
	return &cachedResponse{
		status:      status,
		contentType: c.Response().Header().Get(echo.HeaderContentType),
		body:        rec.buf.Bytes(),
	}, nil
}

type bodyRecorder struct {
	http.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}
