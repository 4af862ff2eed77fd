package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
)

const sseContentType = "text/event-stream"

// Handler streams broker events to a Gin client until it disconnects.
// Filters and buffer sizes are passed through to Subscribe.
func Handler(broker Broker, logger infralogger.Logger, opts ...ClientOption) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventChan, cleanup := broker.Subscribe(c.Request.Context(), opts...)
		defer cleanup()

		if !subscriptionAccepted(eventChan) {
			logger.Warn("SSE subscription rejected (max clients reached)")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
			return
		}

		SetSSEHeaders(c.Writer)
		c.Status(http.StatusOK)

		connected := Event{
			Type: eventTypeConnected,
			Data: map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)},
		}
		if err := writeEvent(c.Writer, connected); err != nil {
			logger.Error("Failed to write connection event", infralogger.Error(err))
			return
		}

		logger.Debug("SSE client connected", infralogger.String("remote_addr", c.ClientIP()))

		streamEvents(c, eventChan, logger)
	}
}

// subscriptionAccepted reports false when the broker handed back an already
// closed channel.
func subscriptionAccepted(eventChan <-chan Event) bool {
	select {
	case _, ok := <-eventChan:
		return ok
	default:
		return true
	}
}

func streamEvents(c *gin.Context, eventChan <-chan Event, logger infralogger.Logger) {
	ticker := time.NewTicker(DefaultHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				logger.Debug("SSE event channel closed")
				return
			}
			if err := writeEvent(c.Writer, event); err != nil {
				logger.Debug("SSE write failed (client likely disconnected)",
					infralogger.Error(err),
					infralogger.String("event_type", event.Type),
				)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// WriteEvent encodes one event in SSE wire format.
func WriteEvent(w io.Writer, event Event) error {
	if event.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
			return fmt.Errorf("write event type: %w", err)
		}
	}

	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}

	if event.Retry > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n", event.Retry); err != nil {
			return fmt.Errorf("write retry: %w", err)
		}
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}

	return nil
}

func writeEvent(w gin.ResponseWriter, event Event) error {
	if err := WriteEvent(w, event); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// SetSSEHeaders sets the standard SSE headers on a response writer.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sseContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
