// Package router implements the Request Router: path-based dispatch
// between the enriched chat completions surface, a transparent upstream
// proxy for everything else under /v1, and the read-only admin endpoints.
package router

import (
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"reservoir/internal/admin"
	"reservoir/internal/observability"
	"reservoir/internal/pipeline"
	"reservoir/internal/reservoir/kinderr"
)

var chatPath = regexp.MustCompile(`^/v1/partition/([^/]+)/instance/([^/]+)/chat/completions$`)

// Upstream supplies the single base URL that every /v1 path other than
// the enriched chat completions route is proxied to verbatim.
type Upstream interface {
	Default() string
}

// New builds the Echo router. mirror may be nil, disabling the admin
// surface.
func New(pipe *pipeline.Pipeline, upstream Upstream, mirror *admin.Mirror) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) })
	e.GET("/readyz", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ready"}) })

	e.POST("/v1/partition/:partition/instance/:instance/chat/completions", chatCompletionsHandler(pipe))

	e.Any("/v1/*", proxyHandler(upstream))

	if mirror != nil {
		e.GET("/v1/admin/messages", adminMessagesHandler(mirror))
		e.GET("/v1/admin/search", adminSearchHandler(mirror))
	}

	return e
}

func chatCompletionsHandler(pipe *pipeline.Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		partition := c.Param("partition")
		instance := c.Param("instance")
		if partition == "" || instance == "" {
			return writeErr(c, kinderr.New(kinderr.BadRequest, "partition and instance are required path segments", nil))
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return writeErr(c, kinderr.New(kinderr.BadRequest, "failed to read request body", err))
		}

		respBody, status, err := pipe.Run(c.Request().Context(), partition, instance, body, c.Request().Header.Get("Authorization"))
		if err != nil {
			log := observability.LoggerWithTrace(c.Request().Context())
			log.Error().Err(err).Str("partition", partition).Str("instance", instance).Msg("pipeline run failed")

			if kind := kinderr.Of(err).Kind; kind == kinderr.UpstreamClientError || kind == kinderr.UpstreamServerError {
				c.Response().Header().Set("Content-Type", "application/json")
				return c.Blob(status, "application/json", respBody)
			}
			return writeErr(c, err)
		}

		c.Response().Header().Set("Content-Type", "application/json")
		return c.Blob(status, "application/json", respBody)
	}
}

// proxyHandler forwards any other /v1 path verbatim to the default
// upstream base URL, per the non-chat-completions passthrough contract.
// A request whose path looks chat-shaped but doesn't match the exact
// partition/instance pattern is rejected as 404 rather than proxied.
func proxyHandler(upstream Upstream) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		if strings.Contains(path, "/chat/completions") && !chatPath.MatchString(path) {
			return echo.NewHTTPError(http.StatusNotFound, "malformed chat completions path")
		}

		target, err := url.Parse(upstream.Default())
		if err != nil {
			return writeErr(c, kinderr.New(kinderr.Internal, "invalid upstream base URL", err))
		}

		proxy := httputil.NewSingleHostReverseProxy(target)
		origDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			origDirector(req)
			req.URL.Path = path
			req.Host = target.Host
		}
		proxy.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

func adminMessagesHandler(mirror *admin.Mirror) echo.HandlerFunc {
	return func(c echo.Context) error {
		partition := c.QueryParam("partition")
		instance := c.QueryParam("instance")
		if partition == "" || instance == "" {
			return writeErr(c, kinderr.New(kinderr.BadRequest, "partition and instance query params are required", nil))
		}
		n := 50
		if v := c.QueryParam("n"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				n = parsed
			}
		}
		msgs, err := mirror.Messages(c.Request().Context(), partition, instance, n)
		if err != nil {
			return writeErr(c, kinderr.New(kinderr.StorageUnavailable, "admin mirror query failed", err))
		}
		return c.JSON(http.StatusOK, msgs)
	}
}

func adminSearchHandler(mirror *admin.Mirror) echo.HandlerFunc {
	return func(c echo.Context) error {
		partition := c.QueryParam("partition")
		instance := c.QueryParam("instance")
		query := c.QueryParam("q")
		if partition == "" || instance == "" || query == "" {
			return writeErr(c, kinderr.New(kinderr.BadRequest, "partition, instance, and q query params are required", nil))
		}
		limit := 20
		if v := c.QueryParam("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		msgs, err := mirror.Search(c.Request().Context(), partition, instance, query, limit)
		if err != nil {
			return writeErr(c, kinderr.New(kinderr.StorageUnavailable, "admin mirror search failed", err))
		}
		return c.JSON(http.StatusOK, msgs)
	}
}

func writeErr(c echo.Context, err error) error {
	kinderr.WriteJSON(c.Response(), err)
	return nil
}
