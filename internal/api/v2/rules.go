package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/internal/alerting"
	"github.com/opsgate/opsgate/internal/logger"
)

// initRuleRoutes registers alert rule endpoints.
func (c *Controller) initRuleRoutes() {
	if c.rules == nil {
		return
	}

	rules := c.Group.Group("/rules")
	rules.GET("", c.ListRules)
	rules.GET("/export", c.ExportRules)
	rules.GET("/:id", c.GetRule)
	rules.POST("", c.CreateRule)
	rules.PUT("/:id", c.UpdateRule)
	rules.PATCH("/:id/toggle", c.ToggleRule)
	rules.DELETE("/:id", c.DeleteRule)
	rules.POST("/:id/test", c.TestRule)
	rules.POST("/reset-defaults", c.ResetDefaultRules)
	rules.POST("/import", c.ImportRules)

	c.Group.GET("/rules-history", c.ListRuleHistory)
}

// ListRules returns all alert rules, optionally filtered.
func (c *Controller) ListRules(ctx echo.Context) error {
	filter := alerting.RuleFilter{
		Metric:   ctx.QueryParam("metric"),
		Severity: ctx.QueryParam("severity"),
	}
	if enabledParam := ctx.QueryParam("enabled"); enabledParam != "" {
		v := enabledParam == QueryValueTrue
		filter.Enabled = &v
	}
	if builtInParam := ctx.QueryParam("built_in"); builtInParam != "" {
		v := builtInParam == QueryValueTrue
		filter.BuiltIn = &v
	}

	rules, err := c.rules.ListRules(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list rules", http.StatusInternalServerError)
	}
	if c.engine != nil {
		c.engine.Annotate(rules)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule returns a single rule by ID.
func (c *Controller) GetRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}

	rule, err := c.rules.GetRule(ctx.Request().Context(), id)
	if err != nil {
		if errors.Is(err, alerting.ErrRuleNotFound) {
			return notFound(ctx, "Rule not found")
		}
		return c.HandleError(ctx, err, "Failed to get rule", http.StatusInternalServerError)
	}

	return ctx.JSON(http.StatusOK, rule)
}

func validateRule(rule *alerting.AlertRule) string {
	switch {
	case rule.Name == "":
		return "Rule name is required"
	case rule.Condition.Metric == "":
		return "Condition metric is required"
	case !alerting.ValidOperator(rule.Condition.Operator):
		return "Invalid condition operator"
	case !alerting.ValidSeverity(rule.Severity):
		return "Invalid severity"
	case rule.Condition.Aggregation != "" && !alerting.ValidAggregation(rule.Condition.Aggregation):
		return "Invalid aggregation"
	}
	return ""
}

// CreateRule creates a new alert rule.
func (c *Controller) CreateRule(ctx echo.Context) error {
	var rule alerting.AlertRule
	if err := ctx.Bind(&rule); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if msg := validateRule(&rule); msg != "" {
		return badRequest(ctx, msg)
	}

	count, err := c.rules.CountRulesByName(ctx.Request().Context(), rule.Name)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to create rule", http.StatusInternalServerError)
	}
	if count > 0 {
		return ctx.JSON(http.StatusConflict, map[string]string{"error": "A rule with this name already exists"})
	}

	rule.ID = 0
	rule.BuiltIn = false
	if err := c.rules.CreateRule(ctx.Request().Context(), &rule); err != nil {
		return c.HandleError(ctx, err, "Failed to create rule", http.StatusInternalServerError)
	}

	c.publish(alerting.EventRuleCreated, strconv.FormatUint(uint64(rule.ID), 10), map[string]any{"name": rule.Name})
	c.logInfo("rule created",
		logger.String("name", rule.Name),
		logger.Uint64("id", uint64(rule.ID)))

	return ctx.JSON(http.StatusCreated, rule)
}

// UpdateRule replaces an existing rule.
func (c *Controller) UpdateRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}

	existing, err := c.rules.GetRule(ctx.Request().Context(), id)
	if err != nil {
		if errors.Is(err, alerting.ErrRuleNotFound) {
			return notFound(ctx, "Rule not found")
		}
		return c.HandleError(ctx, err, "Failed to get rule", http.StatusInternalServerError)
	}

	var rule alerting.AlertRule
	if err := ctx.Bind(&rule); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if msg := validateRule(&rule); msg != "" {
		return badRequest(ctx, msg)
	}

	rule.ID = existing.ID
	rule.BuiltIn = existing.BuiltIn
	rule.CreatedAt = existing.CreatedAt

	if err := c.rules.UpdateRule(ctx.Request().Context(), &rule); err != nil {
		return c.HandleError(ctx, err, "Failed to update rule", http.StatusInternalServerError)
	}

	c.publish(alerting.EventRuleUpdated, strconv.FormatUint(uint64(rule.ID), 10), nil)
	return ctx.JSON(http.StatusOK, rule)
}

// ToggleRule enables or disables a rule.
func (c *Controller) ToggleRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	if err := c.rules.ToggleRule(ctx.Request().Context(), id, body.Enabled); err != nil {
		if errors.Is(err, alerting.ErrRuleNotFound) {
			return notFound(ctx, "Rule not found")
		}
		return c.HandleError(ctx, err, "Failed to toggle rule", http.StatusInternalServerError)
	}

	c.publish(alerting.EventRuleUpdated, strconv.FormatUint(uint64(id), 10), map[string]any{"enabled": body.Enabled})
	return ctx.JSON(http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

// DeleteRule deletes a rule.
func (c *Controller) DeleteRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}

	if err := c.rules.DeleteRule(ctx.Request().Context(), id); err != nil {
		if errors.Is(err, alerting.ErrRuleNotFound) {
			return notFound(ctx, "Rule not found")
		}
		return c.HandleError(ctx, err, "Failed to delete rule", http.StatusInternalServerError)
	}

	if c.engine != nil {
		c.engine.ResetCooldown(id)
	}
	c.publish(alerting.EventRuleDeleted, strconv.FormatUint(uint64(id), 10), nil)
	return ctx.NoContent(http.StatusNoContent)
}

// TestRule fires a rule immediately, bypassing condition evaluation.
func (c *Controller) TestRule(ctx echo.Context) error {
	if c.engine == nil {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Engine not available"})
	}

	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return badRequest(ctx, "Invalid rule ID")
	}

	rule, err := c.rules.GetRule(ctx.Request().Context(), id)
	if err != nil {
		if errors.Is(err, alerting.ErrRuleNotFound) {
			return notFound(ctx, "Rule not found")
		}
		return c.HandleError(ctx, err, "Failed to get rule", http.StatusInternalServerError)
	}

	c.engine.TestFire(ctx.Request().Context(), rule)
	return ctx.JSON(http.StatusOK, map[string]string{"status": "test fired"})
}

// ResetDefaultRules deletes the built-in rules and re-seeds them.
func (c *Controller) ResetDefaultRules(ctx echo.Context) error {
	if err := alerting.ResetDefaults(ctx.Request().Context(), c.rules); err != nil {
		return c.HandleError(ctx, err, "Failed to reset default rules", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "defaults reset"})
}

// ruleExport is the YAML import/export envelope.
type ruleExport struct {
	Version int                 `yaml:"version"`
	Rules   []alerting.AlertRule `yaml:"rules"`
}

// ExportRules exports all rules as a YAML document.
func (c *Controller) ExportRules(ctx echo.Context) error {
	rules, err := c.rules.ListRules(ctx.Request().Context(), alerting.RuleFilter{})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to export rules", http.StatusInternalServerError)
	}

	payload, err := yaml.Marshal(ruleExport{Version: 1, Rules: rules})
	if err != nil {
		return c.HandleError(ctx, err, "Failed to export rules", http.StatusInternalServerError)
	}

	ctx.Response().Header().Set("Content-Disposition", "attachment; filename=alert-rules.yaml")
	return ctx.Blob(http.StatusOK, "application/x-yaml", payload)
}

// ImportRules imports rules from a YAML document. Rules whose name
// already exists are skipped.
func (c *Controller) ImportRules(ctx echo.Context) error {
	body, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return badRequest(ctx, "Failed to read request body")
	}

	var payload ruleExport
	if err := yaml.Unmarshal(body, &payload); err != nil {
		return badRequest(ctx, "Invalid YAML")
	}

	reqCtx := ctx.Request().Context()
	var imported, skipped int
	for i := range payload.Rules {
		rule := &payload.Rules[i]
		rule.ID = 0

		if msg := validateRule(rule); msg != "" {
			skipped++
			continue
		}
		count, err := c.rules.CountRulesByName(reqCtx, rule.Name)
		if err != nil || count > 0 {
			skipped++
			continue
		}
		if err := c.rules.CreateRule(reqCtx, rule); err != nil {
			c.logError("rule import failed",
				logger.String("name", rule.Name), logger.Error(err))
			skipped++
			continue
		}
		imported++
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"imported": imported,
		"skipped":  skipped,
		"total":    len(payload.Rules),
	})
}

// ListRuleHistory returns paginated rule firing history.
func (c *Controller) ListRuleHistory(ctx echo.Context) error {
	filter := alerting.HistoryFilter{Limit: 50}

	if ruleIDParam := ctx.QueryParam("rule_id"); ruleIDParam != "" {
		v, err := strconv.ParseUint(ruleIDParam, 10, 64)
		if err != nil {
			return badRequest(ctx, "Invalid rule_id")
		}
		filter.RuleID = uint(v)
	}
	if limitParam := ctx.QueryParam("limit"); limitParam != "" {
		v, err := strconv.Atoi(limitParam)
		if err == nil && v > 0 {
			filter.Limit = min(v, maxHistoryLimit)
		}
	}
	if offsetParam := ctx.QueryParam("offset"); offsetParam != "" {
		v, err := strconv.Atoi(offsetParam)
		if err == nil && v >= 0 {
			filter.Offset = v
		}
	}

	items, total, err := c.rules.ListFired(ctx.Request().Context(), filter)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list rule history", http.StatusInternalServerError)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"history": items,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (c *Controller) publish(eventType, id string, data map[string]any) {
	if c.bus != nil {
		c.bus.Publish(eventType, "api", id, data)
	}
}
