package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opsgate/opsgate/internal/incident"
)

// initIncidentRoutes registers incident, correlation and analytics
// endpoints.
func (c *Controller) initIncidentRoutes() {
	if c.incidents == nil {
		return
	}

	incidents := c.Group.Group("/incidents")
	incidents.GET("", c.ListIncidents)
	incidents.POST("", c.CreateIncident)
	incidents.GET("/:id", c.GetIncident)
	incidents.PATCH("/:id", c.UpdateIncident)
	incidents.POST("/:id/assign", c.AssignIncident)
	incidents.POST("/:id/escalate", c.EscalateIncident)
	incidents.POST("/:id/resolve", c.ResolveIncident)
	incidents.POST("/:id/close", c.CloseIncident)
	incidents.GET("/:id/postmortem", c.GetPostMortem)
	incidents.POST("/:id/actions", c.AddIncidentAction)
	incidents.POST("/:id/actions/:actionID/start", c.StartIncidentAction)
	incidents.POST("/:id/actions/:actionID/complete", c.CompleteIncidentAction)

	c.Group.GET("/analytics", c.GetAnalytics)

	if c.correlator != nil {
		correlations := c.Group.Group("/correlation-rules")
		correlations.GET("", c.ListCorrelationRules)
		correlations.POST("", c.CreateCorrelationRule)
		correlations.DELETE("/:id", c.DeleteCorrelationRule)
	}
}

// ListIncidents returns incidents newest first, optionally filtered by
// status.
func (c *Controller) ListIncidents(ctx echo.Context) error {
	incidents := c.incidents.List(ctx.QueryParam("status"))
	return ctx.JSON(http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// CreateIncident declares an incident. Category, impact and initial
// actions come from the matching template when the title matches one.
func (c *Controller) CreateIncident(ctx echo.Context) error {
	var body struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Severity    string   `json:"severity"`
		CreatedBy   string   `json:"created_by"`
		AlertIDs    []string `json:"alert_ids"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if body.Title == "" {
		return badRequest(ctx, "Incident title is required")
	}

	created := c.incidents.Create(&incident.Incident{
		Title:       body.Title,
		Description: body.Description,
		Severity:    body.Severity,
		CreatedBy:   body.CreatedBy,
		AlertIDs:    body.AlertIDs,
	})
	return ctx.JSON(http.StatusCreated, created)
}

// GetIncident returns a single incident with its timeline and actions.
func (c *Controller) GetIncident(ctx echo.Context) error {
	inc, err := c.incidents.Get(ctx.Param("id"))
	if err != nil {
		return notFound(ctx, "Incident not found")
	}
	return ctx.JSON(http.StatusOK, inc)
}

// UpdateIncident applies a partial update. Status can only move
// forward through the lifecycle.
func (c *Controller) UpdateIncident(ctx echo.Context) error {
	var body struct {
		Description *string          `json:"description"`
		Severity    *string          `json:"severity"`
		Status      *string          `json:"status"`
		RootCause   *string          `json:"root_cause"`
		Impact      *incident.Impact `json:"impact"`
		Message     string           `json:"message"`
		User        string           `json:"user"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	inc, err := c.incidents.Update(ctx.Param("id"), incident.Update{
		Description: body.Description,
		Severity:    body.Severity,
		Status:      body.Status,
		RootCause:   body.RootCause,
		Impact:      body.Impact,
		Message:     body.Message,
		User:        body.User,
	})
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			return notFound(ctx, "Incident not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, inc)
}

// AssignIncident assigns an owner; an open incident moves to
// in_progress.
func (c *Controller) AssignIncident(ctx echo.Context) error {
	var body struct {
		Assignee string `json:"assignee"`
		By       string `json:"by"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if body.Assignee == "" {
		return badRequest(ctx, "Assignee is required")
	}

	inc, err := c.incidents.Assign(ctx.Param("id"), body.Assignee, body.By)
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			return notFound(ctx, "Incident not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, inc)
}

// EscalateIncident records an escalation and pages the communication
// channels.
func (c *Controller) EscalateIncident(ctx echo.Context) error {
	var body struct {
		Level  int    `json:"level"`
		Reason string `json:"reason"`
		By     string `json:"by"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if body.Level < 1 {
		return badRequest(ctx, "Escalation level must be at least 1")
	}

	inc, err := c.incidents.Escalate(ctx.Param("id"), body.Level, body.Reason, body.By)
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			return notFound(ctx, "Incident not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, inc)
}

// ResolveIncident resolves the incident and, when enabled, generates
// the post-mortem.
func (c *Controller) ResolveIncident(ctx echo.Context) error {
	var body struct {
		Resolution string `json:"resolution"`
		By         string `json:"by"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	inc, err := c.incidents.Resolve(ctx.Param("id"), body.Resolution, body.By)
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			return notFound(ctx, "Incident not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, inc)
}

// CloseIncident closes the incident, resolved or not.
func (c *Controller) CloseIncident(ctx echo.Context) error {
	var body struct {
		By string `json:"by"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	inc, err := c.incidents.Close(ctx.Param("id"), body.By)
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			return notFound(ctx, "Incident not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, inc)
}

// GetPostMortem returns the incident's post-mortem document.
func (c *Controller) GetPostMortem(ctx echo.Context) error {
	inc, err := c.incidents.Get(ctx.Param("id"))
	if err != nil {
		return notFound(ctx, "Incident not found")
	}
	if inc.PostMortem == nil {
		return notFound(ctx, "Post-mortem not available")
	}
	return ctx.JSON(http.StatusOK, inc.PostMortem)
}

// AddIncidentAction adds a response action. System-assigned actions
// execute automatically.
func (c *Controller) AddIncidentAction(ctx echo.Context) error {
	var action incident.Action
	if err := ctx.Bind(&action); err != nil {
		return badRequest(ctx, "Invalid request body")
	}
	if action.Description == "" {
		return badRequest(ctx, "Action description is required")
	}

	created, err := c.incidents.AddAction(ctx.Param("id"), action)
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			return notFound(ctx, "Incident not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusCreated, created)
}

// StartIncidentAction moves a pending action to in_progress.
func (c *Controller) StartIncidentAction(ctx echo.Context) error {
	action, err := c.incidents.StartAction(ctx.Param("id"), ctx.Param("actionID"))
	if err != nil {
		switch {
		case errors.Is(err, incident.ErrIncidentNotFound):
			return notFound(ctx, "Incident not found")
		case errors.Is(err, incident.ErrActionNotFound):
			return notFound(ctx, "Action not found")
		default:
			return badRequest(ctx, err.Error())
		}
	}
	return ctx.JSON(http.StatusOK, action)
}

// CompleteIncidentAction completes an in_progress action.
func (c *Controller) CompleteIncidentAction(ctx echo.Context) error {
	var body struct {
		Result string `json:"result"`
	}
	if err := ctx.Bind(&body); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	action, err := c.incidents.CompleteAction(ctx.Param("id"), ctx.Param("actionID"), body.Result)
	if err != nil {
		switch {
		case errors.Is(err, incident.ErrIncidentNotFound):
			return notFound(ctx, "Incident not found")
		case errors.Is(err, incident.ErrActionNotFound):
			return notFound(ctx, "Action not found")
		default:
			return badRequest(ctx, err.Error())
		}
	}
	return ctx.JSON(http.StatusOK, action)
}

// GetAnalytics returns aggregated incident statistics.
func (c *Controller) GetAnalytics(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.incidents.Analytics())
}

// ListCorrelationRules returns the correlation rules.
func (c *Controller) ListCorrelationRules(ctx echo.Context) error {
	rules := c.correlator.Rules()
	return ctx.JSON(http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateCorrelationRule registers a correlation rule.
func (c *Controller) CreateCorrelationRule(ctx echo.Context) error {
	var rule incident.CorrelationRule
	if err := ctx.Bind(&rule); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	created, err := c.correlator.AddRule(&rule)
	if err != nil {
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusCreated, created)
}

// DeleteCorrelationRule removes a correlation rule.
func (c *Controller) DeleteCorrelationRule(ctx echo.Context) error {
	if err := c.correlator.RemoveRule(ctx.Param("id")); err != nil {
		return notFound(ctx, "Correlation rule not found")
	}
	return ctx.NoContent(http.StatusNoContent)
}
