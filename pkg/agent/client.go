// Package agent talks to the external agent endpoint. The endpoint may
// answer with a single JSON document or a server-sent-event stream; both
// are surfaced as the same ordered sequence of named items so the run
// ingestion loop never cares about the transport.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"inboxdb/pkg/models"
)

// Item is one named item produced by the agent.
type Item struct {
	Name string
	Data json.RawMessage
}

// Stream yields agent items in order. Next returns io.EOF when the agent
// has sent everything.
type Stream interface {
	Next() (Item, error)
	Close() error
}

// RunInput is the context document posted to the agent for one run.
type RunInput struct {
	ThreadID   string            `json:"thread_id"`
	RunID      string            `json:"run_id"`
	Activities []models.Activity `json:"activities"`
}

// Client calls the agent endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a client for the configured endpoint. The HTTP client
// carries no overall timeout: streaming responses are open-ended and the
// run-level deadline lives in the caller's context.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Fetch posts the run input and returns the item stream. The transport is
// chosen from the response content type.
func (c *Client) Fetch(ctx context.Context, input RunInput) (Stream, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal run input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch ct {
	case "text/event-stream":
		return newSSEStream(resp.Body), nil
	case "application/json":
		defer resp.Body.Close()
		return newDocumentStream(resp.Body)
	}
	resp.Body.Close()
	return nil, fmt.Errorf("agent returned unexpected content type %q", ct)
}

// documentStream adapts the single-JSON-response shape {manifest, items[]}
// into the item sequence: the manifest first, then each item.
type documentStream struct {
	items []Item
	pos   int
}

func newDocumentStream(r io.Reader) (*documentStream, error) {
	var doc struct {
		Manifest json.RawMessage   `json:"manifest"`
		Items    []json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	s := &documentStream{}
	if len(doc.Manifest) > 0 && !bytes.Equal(doc.Manifest, []byte("null")) {
		s.items = append(s.items, Item{Name: "manifest", Data: doc.Manifest})
	}
	for _, it := range doc.Items {
		s.items = append(s.items, Item{Name: "item", Data: it})
	}
	return s, nil
}

func (s *documentStream) Next() (Item, error) {
	if s.pos >= len(s.items) {
		return Item{}, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	return it, nil
}

func (s *documentStream) Close() error { return nil }
