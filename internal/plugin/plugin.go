// Package plugin defines the contract between the ingestion core and the
// user-supplied transformation runtime. The runtime itself is external; the
// core only invokes transform(event) -> event | nil under a timeout.
package plugin

import (
	"context"
	"fmt"
	"time"
)

// PluginEvent is the raw event shape exchanged with the transformation
// runtime and fed into the processor. Input is untrusted.
type PluginEvent struct {
	DistinctID string                 `json:"distinct_id"`
	IP         *string                `json:"ip"`
	SiteURL    string                 `json:"site_url"`
	TeamID     int                    `json:"team_id"`
	Now        string                 `json:"now"`
	SentAt     string                 `json:"sent_at,omitempty"`
	Timestamp  string                 `json:"timestamp,omitempty"`
	Offset     *int64                 `json:"offset,omitempty"`
	Event      string                 `json:"event"`
	UUID       string                 `json:"uuid,omitempty"`
	Properties map[string]interface{} `json:"properties"`
	Set        map[string]interface{} `json:"$set,omitempty"`
	SetOnce    map[string]interface{} `json:"$set_once,omitempty"`
}

// VM is one plugin runtime instance. Each worker owns exactly one; instances
// are not shared across workers. ProcessEvent returns (nil, nil) when the
// plugin drops the event.
type VM interface {
	ProcessEvent(ctx context.Context, event *PluginEvent) (*PluginEvent, error)
	Close() error
}

// Factory builds one VM per worker at pool startup and after a crash restart.
type Factory func() (VM, error)

// NoopVM passes events through untouched. Deployments without plugins use it,
// as do tests.
type NoopVM struct{}

func (NoopVM) ProcessEvent(_ context.Context, event *PluginEvent) (*PluginEvent, error) {
	return event, nil
}

func (NoopVM) Close() error { return nil }

var _ VM = NoopVM{}

// WithTimeout wraps a VM so every ProcessEvent call is bounded. The
// underlying call is not interrupted (the runtime may not support
// cancellation); the wrapper just stops waiting.
func WithTimeout(vm VM, timeout time.Duration) VM {
	return &timeoutVM{vm: vm, timeout: timeout}
}

type timeoutVM struct {
	vm      VM
	timeout time.Duration
}

type vmResult struct {
	event *PluginEvent
	err   error
}

func (t *timeoutVM) ProcessEvent(ctx context.Context, event *PluginEvent) (*PluginEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan vmResult, 1)
	panicked := make(chan interface{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
			}
		}()
		ev, err := t.vm.ProcessEvent(ctx, event)
		done <- vmResult{event: ev, err: err}
	}()

	select {
	case res := <-done:
		return res.event, res.err
	case r := <-panicked:
		// Surface the runtime panic on the worker goroutine so the pool's
		// crash handling sees it.
		panic(r)
	case <-ctx.Done():
		return nil, fmt.Errorf("plugin timed out after %s: %w", t.timeout, ctx.Err())
	}
}

func (t *timeoutVM) Close() error {
	return t.vm.Close()
}

var _ VM = (*timeoutVM)(nil)
