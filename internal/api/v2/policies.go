package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opsgate/opsgate/internal/alerting"
)

// initPolicyRoutes registers escalation policy endpoints.
func (c *Controller) initPolicyRoutes() {
	if c.escalator == nil {
		return
	}

	policies := c.Group.Group("/escalation-policies")
	policies.GET("", c.ListPolicies)
	policies.POST("", c.CreatePolicy)
	policies.GET("/:id", c.GetPolicy)
	policies.PUT("/:id", c.UpdatePolicy)
	policies.DELETE("/:id", c.DeletePolicy)
}

// ListPolicies returns the user-defined escalation policies. The
// built-in default policy is not listed.
func (c *Controller) ListPolicies(ctx echo.Context) error {
	policies := c.escalator.Policies()
	return ctx.JSON(http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// GetPolicy returns a single escalation policy.
func (c *Controller) GetPolicy(ctx echo.Context) error {
	policy, err := c.escalator.GetPolicy(ctx.Param("id"))
	if err != nil {
		return notFound(ctx, "Escalation policy not found")
	}
	return ctx.JSON(http.StatusOK, policy)
}

// CreatePolicy registers an escalation policy.
func (c *Controller) CreatePolicy(ctx echo.Context) error {
	var policy alerting.EscalationPolicy
	if err := ctx.Bind(&policy); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	created, err := c.escalator.AddPolicy(&policy)
	if err != nil {
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusCreated, created)
}

// UpdatePolicy replaces an escalation policy.
func (c *Controller) UpdatePolicy(ctx echo.Context) error {
	var policy alerting.EscalationPolicy
	if err := ctx.Bind(&policy); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	updated, err := c.escalator.UpdatePolicy(ctx.Param("id"), &policy)
	if err != nil {
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, updated)
}

// DeletePolicy removes an escalation policy. Alerts referencing it fall
// back to the default policy.
func (c *Controller) DeletePolicy(ctx echo.Context) error {
	if err := c.escalator.DeletePolicy(ctx.Param("id")); err != nil {
		return notFound(ctx, "Escalation policy not found")
	}
	return ctx.NoContent(http.StatusNoContent)
}
