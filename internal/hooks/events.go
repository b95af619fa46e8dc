// Package hooks hands finished deliveries to operator scripts.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// EventType classifies a finished delivery.
type EventType string

const (
	EventReplyDelivered    EventType = "bridge.reply.delivered"
	EventFallbackDelivered EventType = "bridge.fallback.delivered"
	EventDeliveryAbandoned EventType = "bridge.delivery.abandoned"
)

// Event is written to the hook script as one JSON document on stdin.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	TaskID     string         `json:"task_id"`
	OpenID     string         `json:"open_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Handler consumes one event.
type Handler func(context.Context, Event) error

// Dispatcher fans an event out to its handlers in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Emit runs every handler even when an earlier one fails.
func (d *Dispatcher) Emit(ctx context.Context, evt Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", evt.Type, evt.TaskID, err))
		}
	}
	return errors.Join(errs...)
}

// ScriptConfig describes the executable run per event.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// NewScriptHandler runs cfg.Command once per event with the event JSON on
// stdin. The task id and event type are also exported as BRIDGE_TASK_ID and
// BRIDGE_EVENT so shell scripts can branch without parsing JSON. A non-zero
// exit is reported with the first line of stderr.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(ctx context.Context, evt Event) error {
		if cfg.Command == "" {
			return errors.New("hooks: command not configured")
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("hooks: encode event: %w", err)
		}
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		env := append(cmd.Environ(), "BRIDGE_TASK_ID="+evt.TaskID, "BRIDGE_EVENT="+string(evt.Type))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
		cmd.Stdin = bytes.NewReader(payload)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if line, _, _ := strings.Cut(strings.TrimSpace(stderr.String()), "\n"); line != "" {
				return fmt.Errorf("hooks: %s: %w: %s", cfg.Command, err, line)
			}
			return fmt.Errorf("hooks: %s: %w", cfg.Command, err)
		}
		return nil
	}
}
