// Package api exposes the admin HTTP surface over the Registry and
// Market Reconciler: install/uninstall/enable/disable/config routes
// plus a market sync trigger. Routing and response shape follow the
// teacher's own api/js.go handlers (echo.Context, doAuth gate,
// c.JSON(200, map[string]interface{}{...}) response bodies).
package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/yukmakoto/nBot/internal/hosterr"
	"github.com/yukmakoto/nBot/internal/market"
	"github.com/yukmakoto/nBot/internal/registry"
)

// Server bundles the collaborators every admin route needs.
type Server struct {
	Registry *registry.Registry
	Market   *market.Market
	Logger   *zap.SugaredLogger
	Token    string
}

// Mount registers every admin route under e, gated by bearer-token auth.
func (s *Server) Mount(e *echo.Echo) {
	g := e.Group("/api")
	g.Use(s.auth)

	g.GET("/plugins", s.listPlugins)
	g.POST("/plugins/install", s.installPlugin)
	g.DELETE("/plugins/:id", s.uninstallPlugin)
	g.POST("/plugins/:id/enable", s.enablePlugin)
	g.POST("/plugins/:id/disable", s.disablePlugin)
	g.POST("/plugins/:id/config", s.updateConfig)
	g.POST("/market/sync", s.marketSync)
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.doAuth(c) {
			return c.JSON(http.StatusForbidden, errBody("unauthorized"))
		}
		return next(c)
	}
}

func (s *Server) doAuth(c echo.Context) bool {
	if s.Token == "" {
		return false
	}
	const prefix = "Bearer "
	header := c.Request().Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return header[len(prefix):] == s.Token
}

func okBody(extra map[string]any) map[string]any {
	out := map[string]any{"result": true}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func errBody(msg string) map[string]any {
	return map[string]any{"result": false, "err": msg}
}

func (s *Server) listPlugins(c echo.Context) error {
	return c.JSON(http.StatusOK, okBody(map[string]any{"entries": s.Registry.Snapshot()}))
}

func (s *Server) installPlugin(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody("missing file field: "+err.Error()))
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}

	m, err := s.Registry.Install(data)
	if err != nil {
		return c.JSON(statusFor(err), errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, okBody(map[string]any{"manifest": m}))
}

func (s *Server) uninstallPlugin(c echo.Context) error {
	id := c.Param("id")
	if err := s.Registry.Uninstall(id); err != nil {
		return c.JSON(statusFor(err), errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, okBody(nil))
}

func (s *Server) enablePlugin(c echo.Context) error {
	id := c.Param("id")
	if err := s.Registry.Enable(c.Request().Context(), id); err != nil {
		return c.JSON(statusFor(err), errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, okBody(nil))
}

func (s *Server) disablePlugin(c echo.Context) error {
	id := c.Param("id")
	if err := s.Registry.Disable(c.Request().Context(), id); err != nil {
		return c.JSON(statusFor(err), errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, okBody(nil))
}

func (s *Server) updateConfig(c echo.Context) error {
	id := c.Param("id")
	var cfg map[string]any
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}
	if err := s.Registry.UpdateConfig(c.Request().Context(), id, cfg); err != nil {
		return c.JSON(statusFor(err), errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, okBody(nil))
}

func (s *Server) marketSync(c echo.Context) error {
	if s.Market == nil {
		return c.JSON(http.StatusServiceUnavailable, errBody("market reconciler is not configured"))
	}
	var body struct {
		Force bool `json:"force"`
	}
	_ = c.Bind(&body)

	report, err := s.Market.Sync(c.Request().Context(), body.Force)
	if err != nil {
		return c.JSON(http.StatusBadGateway, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, okBody(map[string]any{"report": report}))
}

func statusFor(err error) int {
	if hosterr.Is(err, hosterr.NotFound) {
		return http.StatusNotFound
	}
	if hosterr.Is(err, hosterr.InvalidSignature) || hosterr.Is(err, hosterr.MissingSignature) ||
		hosterr.Is(err, hosterr.BadSignature) || hosterr.Is(err, hosterr.InvalidManifest) ||
		hosterr.Is(err, hosterr.BadArchive) || hosterr.Is(err, hosterr.PathTraversal) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
