package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/api/dd/", Token: "tok"})
}

func TestFetchProgress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dd/progress" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("run_id"); got != "r1" {
			t.Errorf("run_id = %q", got)
		}
		if r.URL.Query().Has("dd_id") {
			t.Error("run_id must take precedence over dd_id")
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("authorization = %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"run_id": "r1", "status": "processing", "current_pass": "analyze",
			"pass_progress": {"extract": {"status": "completed", "progress": 100}, "analyze": {"status": "processing", "progress": 42.6, "items_processed": 3, "total_items": 7}},
			"started_at": "2026-03-01T10:00:00Z"
		}`))
	})

	snap, err := c.FetchProgress(context.Background(), pipeline.Target{RunID: "r1", DDID: "dd1"})
	if err != nil {
		t.Fatalf("FetchProgress: %v", err)
	}
	if snap.RunID != "r1" || snap.Status != pipeline.StatusProcessing || snap.CurrentPass != pipeline.PassAnalyze {
		t.Errorf("snapshot = %+v", snap)
	}
	if pp := snap.Pass(pipeline.PassAnalyze); pp.Progress != 43 || pp.ItemsProcessed != 3 {
		t.Errorf("analyze = %+v", pp)
	}
	if snap.DDID != "dd1" {
		t.Errorf("DDID should default to the target's, got %q", snap.DDID)
	}
}

func TestFetchProgressByProject(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("dd_id"); got != "dd1" {
			t.Errorf("dd_id = %q", got)
		}
		w.Write([]byte(`{"dd_id": "dd1", "status": "pending"}`))
	})
	snap, err := c.FetchProgress(context.Background(), pipeline.Target{DDID: "dd1"})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != pipeline.StatusPending || len(snap.PassProgress) != len(pipeline.Passes) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMalformedResponseIsTransport(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": `))
	})
	_, err := c.FetchProgress(context.Background(), pipeline.Target{DDID: "dd1"})
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindTransport || ae.Code != apierr.CodeMalformed {
		t.Errorf("err = %v", err)
	}
}

func TestStart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/dd/process-start" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("run_id") != "r9" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["include_tier3"] != true || body["use_clustered_pass3"] != false || body["model_tier"] != "balanced" {
			t.Errorf("body = %v", body)
		}
		w.Write([]byte(`{"status": "started", "run_id": "r9", "checkpoint_id": "c1", "total_documents": 12}`))
	})

	res, err := c.Start(context.Background(), "r9", StartRequest{IncludeTier3: true, ModelTier: "balanced"})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalDocuments != 12 || res.CheckpointID != "c1" {
		t.Errorf("result = %+v", res)
	}
}

func TestControlErrorsClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		call   func(c *Client) error
		want   *apierr.Error
	}{
		{"start conflict", http.StatusConflict, `{"detail": "Processing already running"}`,
			func(c *Client) error { _, err := c.Start(context.Background(), "r1", StartRequest{}); return err },
			apierr.ErrAlreadyProcessing},
		{"pause not found", http.StatusNotFound, `{"error": "no active run"}`,
			func(c *Client) error { return c.Pause(context.Background(), "r1") },
			apierr.ErrNoActiveRun},
		{"resume conflict", http.StatusConflict, `{"detail": {"message": "run is not paused"}}`,
			func(c *Client) error { return c.Resume(context.Background(), "r1") },
			apierr.ErrInvalidStateTransition},
		{"cancel not found", http.StatusNotFound, ``,
			func(c *Client) error { return c.Cancel(context.Background(), pipeline.Target{DDID: "dd1"}) },
			apierr.ErrNoActiveRun},
		{"restart no checkpoint", http.StatusNotFound, `{"message": "no checkpoint"}`,
			func(c *Client) error { _, err := c.Restart(context.Background(), "r1"); return err },
			apierr.ErrNoCheckpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			err := tt.call(c)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestErrorDetailIsLoggedNotShown(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail": {"message": "run is not paused"}}`))
	})
	err := c.Resume(context.Background(), "r1")
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v", err)
	}
	if ae.Message != "run is not paused" {
		t.Errorf("message = %q", ae.Message)
	}
	if apierr.UserMessage(err) == ae.Message {
		t.Error("backend text must not be the user message")
	}
}

func TestPauseActions(t *testing.T) {
	var actions []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		actions = append(actions, r.URL.Query().Get("action"))
		w.Write([]byte(`{"status": "ok"}`))
	})
	if err := c.Pause(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Resume(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 || actions[0] != "pause" || actions[1] != "resume" {
		t.Errorf("actions = %v", actions)
	}
}

func TestRestart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"progress": {"current_pass": "pass3", "documents_processed": 4, "total_documents": 9}}`))
	})
	res, err := c.Restart(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if res.CurrentPass != pipeline.PassCalculate || res.DocumentsProcessed != 4 || res.TotalDocuments != 9 {
		t.Errorf("result = %+v", res)
	}
}

func TestCreateRun(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req createRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.DDID != "dd1" || len(req.SelectedDocumentIDs) != 2 {
			t.Errorf("request = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"run_id": "r2", "name": "Run 2"}`))
	})
	ref, err := c.CreateRun(context.Background(), "dd1", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != "r2" || ref.Name != "Run 2" {
		t.Errorf("ref = %+v", ref)
	}
}

func TestAuthStatuses(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := c.FetchOrganisation(context.Background(), "dd1")
		if apierr.KindOf(err) != apierr.KindAuth {
			t.Errorf("status %d: kind = %s", status, apierr.KindOf(err))
		}
	}
}

func TestTimeoutIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.FetchProgress(context.Background(), pipeline.Target{DDID: "dd1"})
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindTransport || ae.Code != apierr.CodeTimeout {
		t.Errorf("err = %v", err)
	}
	if !apierr.Retryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestListDocuments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": [
			{"id": "a", "original_file_name": "a.pdf", "readability_status": "ready"},
			{"id": "b", "original_file_name": "b.pdf", "readability_status": "weird"}
		]}`))
	})
	docs, err := c.ListDocuments(context.Background(), "dd1")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].Readability != pipeline.ReadabilityReady || docs[1].Readability != pipeline.ReadabilityPending {
		t.Errorf("docs = %+v", docs)
	}
}

func TestControlOpsAreRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, ControlRPS: 0.001})
	if err := c.Pause(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Pause(ctx, "r1"); apierr.KindOf(err) != apierr.KindTransport {
		t.Errorf("second pause err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	// Reads are never limited.
	for i := 0; i < 3; i++ {
		if _, err := c.FetchOrganisation(context.Background(), "dd1"); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 4", calls.Load())
	}
}

func TestStreamURL(t *testing.T) {
	c := New(Options{BaseURL: "http://x/api/dd"})
	if got := c.StreamURL("dd 1"); got != "http://x/api/dd/findings-stream?dd_id=dd+1" {
		t.Errorf("StreamURL = %q", got)
	}
}
