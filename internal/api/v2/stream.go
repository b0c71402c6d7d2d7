package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opsgate/opsgate/internal/logger"
)

const (
	heartbeatInterval        = 30 * time.Second
	maxSSEConnectionDuration = 30 * time.Minute
)

// initStreamRoutes registers the server-sent event stream.
func (c *Controller) initStreamRoutes() {
	if c.bus == nil {
		return
	}
	c.Group.GET("/events/stream", c.StreamEvents)
}

func setSSEHeaders(ctx echo.Context) {
	h := ctx.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// StreamEvents streams pipeline events over SSE. The optional "types"
// query parameter is a comma-separated list of event types to deliver;
// empty means all. Connections are closed after thirty minutes, clients
// are expected to reconnect.
func (c *Controller) StreamEvents(ctx echo.Context) error {
	var types []string
	if typesParam := ctx.QueryParam("types"); typesParam != "" {
		for _, t := range strings.Split(typesParam, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	events, unsubscribe := c.bus.Subscribe(types...)
	defer unsubscribe()

	setSSEHeaders(ctx)
	clientID := uuid.New().String()
	if err := sendSSEMessage(ctx, "connected", map[string]string{"client_id": clientID}); err != nil {
		return err
	}
	c.logInfo("event stream connected",
		logger.String("client_id", clientID),
		logger.String("ip", ctx.RealIP()))

	deadline := time.NewTimer(maxSSEConnectionDuration)
	defer deadline.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	done := ctx.Request().Context().Done()
	for {
		select {
		case <-done:
			c.logInfo("event stream disconnected", logger.String("client_id", clientID))
			return nil
		case <-deadline.C:
			return nil
		case <-heartbeat.C:
			if err := sendSSEMessage(ctx, "heartbeat", map[string]string{"time": time.Now().Format(time.RFC3339)}); err != nil {
				return nil
			}
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := sendSSEMessage(ctx, event.Type, event); err != nil {
				return nil
			}
		}
	}
}

func sendSSEMessage(ctx echo.Context, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Response(), "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	ctx.Response().Flush()
	return nil
}
