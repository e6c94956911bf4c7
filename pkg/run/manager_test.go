package run

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"inboxdb/pkg/agent"
	"inboxdb/pkg/ingest"
	"inboxdb/pkg/models"
	"inboxdb/pkg/store"
	"inboxdb/pkg/validation"
)

// fakeClient returns a scripted stream per Fetch.
type fakeClient struct {
	fetch func(ctx context.Context, input agent.RunInput) (agent.Stream, error)
}

func (f *fakeClient) Fetch(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
	return f.fetch(ctx, input)
}

// scriptStream yields its items then errors (io.EOF by default).
type scriptStream struct {
	items []agent.Item
	err   error
	pos   int
}

func (s *scriptStream) Next() (agent.Item, error) {
	if s.pos < len(s.items) {
		it := s.items[s.pos]
		s.pos++
		return it, nil
	}
	if s.err != nil {
		return agent.Item{}, s.err
	}
	return agent.Item{}, io.EOF
}

func (s *scriptStream) Close() error { return nil }

// gatedStream yields the manifest, then blocks until gate is closed before
// yielding the rest.
type gatedStream struct {
	gate chan struct{}
	rest []agent.Item
	pos  int
}

func (s *gatedStream) Next() (agent.Item, error) {
	if s.pos == 0 {
		s.pos++
		return manifestItem("1"), nil
	}
	<-s.gate
	if s.pos-1 < len(s.rest) {
		it := s.rest[s.pos-1]
		s.pos++
		return it, nil
	}
	return agent.Item{}, io.EOF
}

func (s *gatedStream) Close() error { return nil }

func manifestItem(version string) agent.Item {
	return agent.Item{Name: "manifest", Data: json.RawMessage(`{"version":"` + version + `"}`)}
}

func activityItem(body string) agent.Item {
	return agent.Item{Name: "item", Data: json.RawMessage(body)}
}

// newManager opens a store, seeds a thread, installs permissive validation
// rules and wires an engine plus manager around the given client.
func newManager(t *testing.T, client AgentClient) *Manager {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.SaveThread(models.Thread{ID: "th1", Author: "alice", Subscribers: []string{"alice", "bob"}}); err != nil {
		t.Fatalf("save thread: %v", err)
	}
	validation.SetActivityRules(validation.FromConfig([]validation.ConfigEntry{
		{Type: "comment", Role: "user"},
		{Type: "comment", Role: "agent"},
	}))
	t.Cleanup(func() { validation.SetActivityRules(nil) })

	e := ingest.NewEngine(64)
	m := NewManager(e, client, 2, 5*time.Second)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func trigger() models.Activity {
	return models.Activity{Type: "comment", Role: "user", Content: json.RawMessage(`{"text":"go"}`)}
}

// waitTerminal polls the store until the run settles.
func waitTerminal(t *testing.T, runID string) models.Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.State.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never settled", runID)
	return models.Run{}
}

func TestRunCompletes(t *testing.T) {
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		if input.ThreadID != "th1" || len(input.Activities) != 1 {
			t.Errorf("input = %+v, want thread history with the trigger", input)
		}
		return &scriptStream{items: []agent.Item{
			manifestItem("3"),
			activityItem(`{"type":"comment","role":"agent","content":{"text":"a"}}`),
			activityItem(`{"type":"comment","role":"agent","content":{"text":"b"}}`),
		}}, nil
	}}
	m := newManager(t, client)

	run, err := m.Create(context.Background(), "th1", trigger())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.State != models.RunInProgress {
		t.Fatalf("state = %s, want in_progress", run.State)
	}

	final := waitTerminal(t, run.ID)
	if final.State != models.RunCompleted {
		t.Fatalf("state = %s (%+v), want completed", final.State, final.FailReason)
	}
	if final.ManifestVersion != "3" {
		t.Fatalf("manifest version = %q, want 3", final.ManifestVersion)
	}
	acts, err := store.ListRunActivities(run.ID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 3 {
		t.Fatalf("activities = %d, want trigger + 2 streamed", len(acts))
	}
}

func TestSecondRunRejectedWhileInProgress(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &gatedStream{gate: gate}, nil
	}}
	m := newManager(t, client)

	run, err := m.Create(context.Background(), "th1", trigger())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(context.Background(), "th1", trigger()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	close(gate)
	waitTerminal(t, run.ID)

	// a finished run frees the thread
	if _, err := m.Create(context.Background(), "th1", trigger()); err != nil {
		t.Fatalf("create after finish: %v", err)
	}
}

func TestCancelWinsOverStreamedOutput(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &gatedStream{
			gate: gate,
			rest: []agent.Item{activityItem(`{"type":"comment","role":"agent","content":{}}`)},
		}, nil
	}}
	m := newManager(t, client)

	run, err := m.Create(context.Background(), "th1", trigger())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := m.Cancel(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != models.RunFailed {
		t.Fatalf("state = %s, want failed", cancelled.State)
	}
	if cancelled.FailReason == nil || cancelled.FailReason.Kind != models.FailKindCancelled {
		t.Fatalf("reason = %+v, want cancelled", cancelled.FailReason)
	}

	// let the stream deliver its late item, then drain the ingestion
	close(gate)
	m.Stop()

	final, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.FailReason == nil || final.FailReason.Kind != models.FailKindCancelled {
		t.Fatalf("reason = %+v; the late completion overwrote the cancel", final.FailReason)
	}
	acts, err := store.ListRunActivities(run.ID)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("activities = %d, want only the trigger (late output discarded)", len(acts))
	}
}

func TestCancelTerminalRunRejected(t *testing.T) {
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &scriptStream{items: []agent.Item{manifestItem("1")}}, nil
	}}
	m := newManager(t, client)

	run, err := m.Create(context.Background(), "th1", trigger())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, run.ID)

	if _, err := m.Cancel(context.Background(), run.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if _, err := m.Cancel(context.Background(), "run_ghost"); !errors.Is(err, ingest.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestMissingManifestFailsProtocol(t *testing.T) {
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &scriptStream{items: []agent.Item{
			activityItem(`{"type":"comment","role":"agent"}`),
		}}, nil
	}}
	m := newManager(t, client)

	run, err := m.Create(context.Background(), "th1", trigger())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	final := waitTerminal(t, run.ID)
	if final.State != models.RunFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.FailReason.Kind != models.FailKindProtocol || final.FailReason.Message != ErrNoManifest.Error() {
		t.Fatalf("reason = %+v", final.FailReason)
	}
}

func TestManifestWithoutVersionFailsValidation(t *testing.T) {
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &scriptStream{items: []agent.Item{
			{Name: "manifest", Data: json.RawMessage(`{}`)},
		}}, nil
	}}
	m := newManager(t, client)

	run, _ := m.Create(context.Background(), "th1", trigger())
	final := waitTerminal(t, run.ID)
	if final.FailReason == nil || final.FailReason.Kind != models.FailKindValidation {
		t.Fatalf("reason = %+v, want validation failure", final.FailReason)
	}
}

func TestAgentErrorItemFailsRun(t *testing.T) {
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &scriptStream{items: []agent.Item{
			manifestItem("1"),
			{Name: "error", Data: json.RawMessage(`{"message":"model unavailable"}`)},
		}}, nil
	}}
	m := newManager(t, client)

	run, _ := m.Create(context.Background(), "th1", trigger())
	final := waitTerminal(t, run.ID)
	if final.FailReason == nil || final.FailReason.Kind != models.FailKindAgentError {
		t.Fatalf("reason = %+v, want agent_error", final.FailReason)
	}
	if string(final.FailReason.Detail) != `{"message":"model unavailable"}` {
		t.Fatalf("detail = %s", final.FailReason.Detail)
	}
	if final.ManifestVersion != "1" {
		t.Fatalf("manifest version = %q; failure must keep the resolved version", final.ManifestVersion)
	}
}

func TestInvalidStreamedActivityFailsRun(t *testing.T) {
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &scriptStream{items: []agent.Item{
			manifestItem("1"),
			activityItem(`{"type":"unknown","role":"agent"}`),
		}}, nil
	}}
	m := newManager(t, client)

	run, _ := m.Create(context.Background(), "th1", trigger())
	final := waitTerminal(t, run.ID)
	if final.FailReason == nil || final.FailReason.Kind != models.FailKindValidation {
		t.Fatalf("reason = %+v, want validation failure", final.FailReason)
	}
	acts, _ := store.ListRunActivities(run.ID)
	if len(acts) != 1 {
		t.Fatalf("activities = %d; the invalid item must not be persisted", len(acts))
	}
}

func TestFetchFailureFailsRun(t *testing.T) {
	client := &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return nil, errors.New("connection refused")
	}}
	m := newManager(t, client)

	run, _ := m.Create(context.Background(), "th1", trigger())
	final := waitTerminal(t, run.ID)
	if final.FailReason == nil || final.FailReason.Kind != models.FailKindProtocol {
		t.Fatalf("reason = %+v, want protocol failure", final.FailReason)
	}
}

func TestCreateRejectsUnknownThread(t *testing.T) {
	m := newManager(t, &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &scriptStream{}, nil
	}})
	if _, err := m.Create(context.Background(), "ghost", trigger()); !errors.Is(err, ingest.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCreateRejectsInvalidTrigger(t *testing.T) {
	m := newManager(t, &fakeClient{fetch: func(ctx context.Context, input agent.RunInput) (agent.Stream, error) {
		return &scriptStream{}, nil
	}})
	bad := models.Activity{Type: "unknown", Role: "user"}
	if _, err := m.Create(context.Background(), "th1", bad); !errors.Is(err, validation.ErrNoRules) {
		t.Fatalf("err = %v, want ErrNoRules", err)
	}
	if runs, _ := store.ListThreadRuns("th1"); len(runs) != 0 {
		t.Fatalf("runs = %d; the rejected trigger created a run", len(runs))
	}
}
