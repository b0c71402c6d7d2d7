// Package api implements the v2 HTTP API: alert rules, alerts,
// suppressions, notification channels, escalation policies, incidents,
// correlation rules, analytics and the server-sent event stream.
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/incident"
	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/notification"
)

// QueryValueTrue is the canonical truthy query parameter value.
const QueryValueTrue = "true"

const maxHistoryLimit = 200

// Controller wires the HTTP layer to the alerting pipeline.
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	log        logger.Logger
	rules      alerting.RuleRepository
	engine     *alerting.Engine
	store      *alerting.Store
	dispatcher *notification.Dispatcher
	escalator  *alerting.Escalator
	incidents  *incident.Manager
	correlator *incident.Correlator
	bus        *alerting.Bus
	registry   *prometheus.Registry
}

// Deps carries the controller's collaborators. Rules, Store and
// Incidents are required; the rest are optional and their routes are
// skipped when nil.
type Deps struct {
	Log        logger.Logger
	Rules      alerting.RuleRepository
	Engine     *alerting.Engine
	Store      *alerting.Store
	Dispatcher *notification.Dispatcher
	Escalator  *alerting.Escalator
	Incidents  *incident.Manager
	Correlator *incident.Correlator
	Bus        *alerting.Bus
	Registry   *prometheus.Registry
}

// New builds the controller and registers all routes under /api/v2.
func New(e *echo.Echo, deps Deps) *Controller {
	c := &Controller{
		Echo:       e,
		Group:      e.Group("/api/v2"),
		log:        deps.Log,
		rules:      deps.Rules,
		engine:     deps.Engine,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		escalator:  deps.Escalator,
		incidents:  deps.Incidents,
		correlator: deps.Correlator,
		bus:        deps.Bus,
		registry:   deps.Registry,
	}

	e.Use(middleware.Recover())

	c.Group.GET("/health", c.GetHealth)
	c.initRuleRoutes()
	c.initAlertRoutes()
	c.initChannelRoutes()
	c.initPolicyRoutes()
	c.initIncidentRoutes()
	c.initStreamRoutes()

	if c.registry != nil {
		e.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})))
	}

	return c
}

// GetHealth reports service liveness.
func (c *Controller) GetHealth(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleError logs the error and writes a uniform JSON error body.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	c.logError(message, logger.Error(err))
	return ctx.JSON(code, map[string]string{"error": message})
}

func (c *Controller) logError(msg string, fields ...logger.Field) {
	if c.log != nil {
		c.log.Error(msg, fields...)
	}
}

func (c *Controller) logInfo(msg string, fields ...logger.Field) {
	if c.log != nil {
		c.log.Info(msg, fields...)
	}
}

// parseUintParam parses a uint route parameter.
func parseUintParam(ctx echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

func badRequest(ctx echo.Context, message string) error {
	return ctx.JSON(http.StatusBadRequest, map[string]string{"error": message})
}

func notFound(ctx echo.Context, message string) error {
	return ctx.JSON(http.StatusNotFound, map[string]string{"error": message})
}
