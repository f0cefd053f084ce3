// Package webserver hosts the admin HTTP API. Handlers register through
// ApiGET/ApiPOST/ApiPUT/ApiDELETE and are mounted under /api/v1.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/talkincode/wablast/internal/app"
)

const (
	ApiPrefix = "/api/v1"

	// AppContextKey is the echo context key holding the app.AppContext
	AppContextKey = "appctx"
)

var server *AdminServer

type AdminServer struct {
	root   *echo.Echo
	api    *echo.Group
	appCtx app.AppContext
}

// Init creates the global admin server. Routes may be registered afterwards.
func Init(appCtx app.AppContext) {
	server = NewAdminServer(appCtx)
}

func NewAdminServer(appCtx app.AppContext) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			zap.L().Error("http: handler panic",
				zap.String("path", c.Path()),
				zap.Error(err),
				zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				zap.L().Warn("http: request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			zap.L().Debug("http: request", fields...)
			return nil
		},
	}))
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("32M"))

	s := &AdminServer{root: e, appCtx: appCtx}
	s.api = e.Group(ApiPrefix, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(AppContextKey, s.appCtx)
			return next(c)
		}
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// Handler exposes the router, for tests and embedding.
func Handler() http.Handler {
	return server.root
}

// Listen serves until Shutdown is called.
func Listen() error {
	cfg := server.appCtx.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.L().Info("http: admin api listening", zap.String("addr", addr))
	err := server.root.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.root.Shutdown(ctx)
}

func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.POST(path, h, m...)
}

func ApiPUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.PUT(path, h, m...)
}

func ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.DELETE(path, h, m...)
}
