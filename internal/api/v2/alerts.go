package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opsgate/opsgate/internal/alerting"
)

// initAlertRoutes registers alert and suppression endpoints.
func (c *Controller) initAlertRoutes() {
	if c.store == nil {
		return
	}

	alerts := c.Group.Group("/alerts")
	alerts.GET("", c.ListAlerts)
	alerts.POST("", c.CreateAlert)
	alerts.GET("/:id", c.GetAlert)
	alerts.POST("/:id/acknowledge", c.AcknowledgeAlert)
	alerts.POST("/:id/resolve", c.ResolveAlert)
	alerts.POST("/:id/suppress", c.SuppressAlert)

	suppressions := c.Group.Group("/suppressions")
	suppressions.GET("", c.ListSuppressions)
	suppressions.POST("", c.CreateSuppression)
	suppressions.DELETE("/:id", c.DeleteSuppression)
}

// ListAlerts returns alerts newest first, optionally filtered by
// status, severity, rule_id, since and limit.
func (c *Controller) ListAlerts(ctx echo.Context) error {
	filter := alerting.AlertFilter{
		Status:   ctx.QueryParam("status"),
		Severity: ctx.QueryParam("severity"),
	}
	if ruleIDParam := ctx.QueryParam("rule_id"); ruleIDParam != "" {
		v, err := strconv.ParseUint(ruleIDParam, 10, 64)
		if err != nil {
			return badRequest(ctx, "Invalid rule_id")
		}
		filter.RuleID = uint(v)
	}
	if sinceParam := ctx.QueryParam("since"); sinceParam != "" {
		v, err := time.Parse(time.RFC3339, sinceParam)
		if err != nil {
			return badRequest(ctx, "Invalid since timestamp, expected RFC3339")
		}
		filter.Since = v
	}
	if limitParam := ctx.QueryParam("limit"); limitParam != "" {
		v, err := strconv.Atoi(limitParam)
		if err == nil && v > 0 {
			filter.Limit = v
		}
	}

	alerts := c.store.GetAlerts(filter)
	return ctx.JSON(http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// CreateAlert records a manual alert. Deduplication and suppression
// apply the same as to engine-fired alerts.
func (c *Controller) CreateAlert(ctx echo.Context) error {
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Severity    string   `json:"severity"`
		Channels    []string `json:"channels"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if body.Name == "" {
		return badRequest(ctx, "Alert name is required")
	}

	alert, err := c.store.Create(&alerting.Alert{
		Name:        body.Name,
		Description: body.Description,
		Severity:    body.Severity,
		Channels:    body.Channels,
	})
	if err != nil {
		return badRequest(ctx, err.Error())
	}

	return ctx.JSON(http.StatusCreated, alert)
}

// GetAlert returns a single alert.
func (c *Controller) GetAlert(ctx echo.Context) error {
	alert, err := c.store.Get(ctx.Param("id"))
	if err != nil {
		if errors.Is(err, alerting.ErrAlertNotFound) {
			return notFound(ctx, "Alert not found")
		}
		return c.HandleError(ctx, err, "Failed to get alert", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, alert)
}

// AcknowledgeAlert marks an alert acknowledged and stops escalation.
func (c *Controller) AcknowledgeAlert(ctx echo.Context) error {
	var body struct {
		User string `json:"user"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	alert, err := c.store.Acknowledge(ctx.Param("id"), body.User)
	if err != nil {
		if errors.Is(err, alerting.ErrAlertNotFound) {
			return notFound(ctx, "Alert not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, alert)
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (c *Controller) ResolveAlert(ctx echo.Context) error {
	alert, err := c.store.Resolve(ctx.Param("id"))
	if err != nil {
		if errors.Is(err, alerting.ErrAlertNotFound) {
			return notFound(ctx, "Alert not found")
		}
		return c.HandleError(ctx, err, "Failed to resolve alert", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, alert)
}

// SuppressAlert silences a single alert for the given duration (default
// one hour) and registers a suppression rule for the alert's rule so
// re-fires stay quiet until it expires.
func (c *Controller) SuppressAlert(ctx echo.Context) error {
	var body struct {
		Duration string `json:"duration"`
		Reason   string `json:"reason"`
		User     string `json:"user"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	duration := time.Hour
	if body.Duration != "" {
		v, err := time.ParseDuration(body.Duration)
		if err != nil || v <= 0 {
			return badRequest(ctx, "Invalid duration")
		}
		duration = v
	}

	alert, err := c.store.SuppressAlert(ctx.Param("id"), duration, body.Reason, body.User)
	if err != nil {
		if errors.Is(err, alerting.ErrAlertNotFound) {
			return notFound(ctx, "Alert not found")
		}
		return c.HandleError(ctx, err, "Failed to suppress alert", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, alert)
}

// ListSuppressions returns the active suppression rules.
func (c *Controller) ListSuppressions(ctx echo.Context) error {
	rules := c.store.Suppressions()
	return ctx.JSON(http.StatusOK, map[string]any{
		"suppressions": rules,
		"count":        len(rules),
	})
}

// CreateSuppression registers a suppression rule.
func (c *Controller) CreateSuppression(ctx echo.Context) error {
	var rule alerting.SuppressionRule
	if err := ctx.Bind(&rule); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if rule.Reason == "" {
		return badRequest(ctx, "Suppression reason is required")
	}

	created := c.store.AddSuppression(&rule)
	return ctx.JSON(http.StatusCreated, created)
}

// DeleteSuppression removes a suppression rule.
func (c *Controller) DeleteSuppression(ctx echo.Context) error {
	if err := c.store.RemoveSuppression(ctx.Param("id")); err != nil {
		return notFound(ctx, "Suppression rule not found")
	}
	return ctx.NoContent(http.StatusNoContent)
}
