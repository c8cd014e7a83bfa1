// ============================================================================
// Notification Sinks
// ============================================================================
//
// Package: internal/worker
// File: sink.go
// Purpose: Destinations for escrow signals (instance-created, funded,
// milestone-approved ...). The pool does not care where a signal goes; a Sink
// hides whether it is an HTTP webhook, a log line or a test recorder.
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
)

// Sink delivers one signal. Deliver must respect ctx cancellation.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, e events.Event) error
}

// WebhookSink POSTs signals as JSON to a URL.
type WebhookSink struct {
	URL    string
	Types  map[string]bool // nil or empty accepts every signal type
	Header http.Header
	Client *http.Client
}

// NewWebhookSink returns a sink for url accepting the given signal types.
// The default client is traced with otelhttp.
func NewWebhookSink(url string, types []string) *WebhookSink {
	s := &WebhookSink{
		URL: url,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
	if len(types) > 0 {
		s.Types = make(map[string]bool, len(types))
		for _, t := range types {
			s.Types[t] = true
		}
	}
	return s
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return s.URL }

// Accepts implements Sink.
func (s *WebhookSink) Accepts(eventType string) bool {
	return len(s.Types) == 0 || s.Types[eventType]
}

// Deliver implements Sink. Any non-2xx response is an error.
func (s *WebhookSink) Deliver(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Signal", e.Type)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", s.URL, resp.StatusCode)
	}
	return nil
}

// FuncSink adapts a function to Sink. Used for log sinks and tests.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, e events.Event) error
}

// Name implements Sink.
func (s FuncSink) Name() string { return s.SinkName }

// Accepts implements Sink.
func (s FuncSink) Accepts(string) bool { return true }

// Deliver implements Sink.
func (s FuncSink) Deliver(ctx context.Context, e events.Event) error { return s.Fn(ctx, e) }
