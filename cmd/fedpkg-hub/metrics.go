package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/common"
)

func newMetricsServer(logger *logrus.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetOutput(logger.WriterLevel(logrus.DebugLevel))
	e.Use(common.OperationIDMiddleware)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":       "OK",
			"build_commit": common.BuildCommit,
			"build_time":   common.BuildTime,
		})
	})
	return e
}
