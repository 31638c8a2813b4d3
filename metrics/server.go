package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// SeriesSource is the read side of a scalar log.
type SeriesSource interface {
	Tags() []string
	Series(tag string) ([]Point, bool)
	Latest() map[string]Point
}

// NewServer builds the HTTP view of a running experiment's scalars:
//
//	GET /healthz
//	GET /scalars        latest point per tag
//	GET /scalars/<tag>  full series; tags contain slashes
func NewServer(src SeriesSource) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/scalars", LatestHandler(src))
	e.GET("/scalars/*", SeriesHandler(src))
	return e
}

// LatestHandler responds with the latest point of every tag.
func LatestHandler(src SeriesSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, src.Latest())
	}
}

// SeriesHandler responds with every point of the tag named by the wildcard.
func SeriesHandler(src SeriesSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		tag := strings.Trim(c.Param("*"), "/")
		if tag == "" {
			return c.JSON(http.StatusOK, src.Tags())
		}
		points, ok := src.Series(tag)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "unknown tag: "+tag)
		}
		return c.JSON(http.StatusOK, points)
	}
}

// Serve runs the HTTP view on addr until ctx is done.
func Serve(ctx context.Context, addr string, src SeriesSource, log logrus.FieldLogger) {
	e := NewServer(src)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("scalar server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		graceful, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			log.WithError(err).Warn("scalar server shutdown")
		}
	}()
	log.WithField("addr", addr).Info("serving scalars")
}
