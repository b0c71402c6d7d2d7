package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opsgate/opsgate/internal/notification"
)

// initChannelRoutes registers notification channel and delivery-log
// endpoints.
func (c *Controller) initChannelRoutes() {
	if c.dispatcher == nil {
		return
	}

	channels := c.Group.Group("/channels")
	channels.GET("", c.ListChannels)
	channels.POST("", c.CreateChannel)
	channels.GET("/:id", c.GetChannel)
	channels.PUT("/:id", c.UpdateChannel)
	channels.DELETE("/:id", c.DeleteChannel)

	c.Group.GET("/notifications", c.ListNotifications)
}

// ListChannels returns all configured notification channels.
func (c *Controller) ListChannels(ctx echo.Context) error {
	channels := c.dispatcher.Channels()
	return ctx.JSON(http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

// GetChannel returns a single channel.
func (c *Controller) GetChannel(ctx echo.Context) error {
	channel, err := c.dispatcher.GetChannel(ctx.Param("id"))
	if err != nil {
		if errors.Is(err, notification.ErrChannelNotFound) {
			return notFound(ctx, "Channel not found")
		}
		return c.HandleError(ctx, err, "Failed to get channel", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, channel)
}

// CreateChannel adds a notification channel.
func (c *Controller) CreateChannel(ctx echo.Context) error {
	var channel notification.Channel
	if err := ctx.Bind(&channel); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	created, err := c.dispatcher.AddChannel(&channel)
	if err != nil {
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusCreated, created)
}

// UpdateChannel replaces a channel's configuration.
func (c *Controller) UpdateChannel(ctx echo.Context) error {
	var channel notification.Channel
	if err := ctx.Bind(&channel); err != nil {
		return badRequest(ctx, "Invalid request body")
	}

	updated, err := c.dispatcher.UpdateChannel(ctx.Param("id"), &channel)
	if err != nil {
		if errors.Is(err, notification.ErrChannelNotFound) {
			return notFound(ctx, "Channel not found")
		}
		return badRequest(ctx, err.Error())
	}
	return ctx.JSON(http.StatusOK, updated)
}

// DeleteChannel removes a channel. Queued notifications for the channel
// fail on their next delivery attempt.
func (c *Controller) DeleteChannel(ctx echo.Context) error {
	if err := c.dispatcher.RemoveChannel(ctx.Param("id")); err != nil {
		if errors.Is(err, notification.ErrChannelNotFound) {
			return notFound(ctx, "Channel not found")
		}
		return c.HandleError(ctx, err, "Failed to delete channel", http.StatusInternalServerError)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// ListNotifications returns the delivery log newest first.
func (c *Controller) ListNotifications(ctx echo.Context) error {
	filter := notification.Filter{
		Status:    ctx.QueryParam("status"),
		Kind:      ctx.QueryParam("kind"),
		ChannelID: ctx.QueryParam("channel_id"),
		AlertID:   ctx.QueryParam("alert_id"),
	}
	if limitParam := ctx.QueryParam("limit"); limitParam != "" {
		v, err := strconv.Atoi(limitParam)
		if err == nil && v > 0 {
			filter.Limit = v
		}
	}

	notifications := c.dispatcher.Notifications(filter)
	return ctx.JSON(http.StatusOK, map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}
