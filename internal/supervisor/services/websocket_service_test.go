// Gridplace - Collaborative Image Grid with Live Viewport Streaming
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gridplace

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// mockHub is a test double for the ContextHub interface.
type mockHub struct {
	runErr  error
	started chan struct{}
}

func newMockHub() *mockHub {
	return &mockHub{started: make(chan struct{}, 1)}
}

func (m *mockHub) RunWithContext(ctx context.Context) error {
	select {
	case m.started <- struct{}{}:
	default:
	}

	if m.runErr != nil {
		return m.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestWebSocketHubService_Interface(t *testing.T) {
	var _ suture.Service = (*WebSocketHubService)(nil)
}

func TestWebSocketHubService_Serve(t *testing.T) {
	t.Run("returns ctx error on cancellation", func(t *testing.T) {
		hub := newMockHub()
		svc := NewWebSocketHubService(hub)

		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() {
			errCh <- svc.Serve(ctx)
		}()

		select {
		case <-hub.started:
		case <-time.After(time.Second):
			t.Fatal("hub did not start")
		}

		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Error("Serve did not return")
		}
	})

	t.Run("propagates hub failure", func(t *testing.T) {
		hubErr := errors.New("hub crashed")
		hub := newMockHub()
		hub.runErr = hubErr
		svc := NewWebSocketHubService(hub)

		if err := svc.Serve(context.Background()); !errors.Is(err, hubErr) {
			t.Errorf("expected hub error, got %v", err)
		}
	})
}

func TestWebSocketHubService_String(t *testing.T) {
	if got := NewWebSocketHubService(newMockHub()).String(); got != "websocket-hub" {
		t.Errorf("expected 'websocket-hub', got %q", got)
	}
}
