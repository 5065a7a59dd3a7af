package fakebackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abelbrown/ddwatch/internal/api"
	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/stream"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, cfg Config) (*Server, *api.Client, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	cfg.Clock = clk
	srv := New(cfg)
	srv.Seed("dd1", 4, 1)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client := api.New(api.Options{BaseURL: ts.URL, Token: cfg.Token, Timeout: 5 * time.Second})
	return srv, client, clk
}

func readyIDs(t *testing.T, c *api.Client) []string {
	t.Helper()
	docs, err := c.ListDocuments(context.Background(), "dd1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	var ids []string
	for _, d := range docs {
		if d.Readability == pipeline.ReadabilityReady {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func startRun(t *testing.T, c *api.Client) string {
	t.Helper()
	ctx := context.Background()
	ref, err := c.CreateRun(ctx, "dd1", readyIDs(t, c))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := c.Start(ctx, ref.ID, api.StartRequest{ModelTier: "balanced"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return ref.ID
}

func TestSeededProject(t *testing.T) {
	_, c, _ := newTestServer(t, Config{})
	ctx := context.Background()

	docs, err := c.ListDocuments(ctx, "dd1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 4 || docs[0].Readability != pipeline.ReadabilityFailed {
		t.Errorf("docs = %+v", docs)
	}
	org, err := c.FetchOrganisation(ctx, "dd1")
	if err != nil {
		t.Fatalf("FetchOrganisation: %v", err)
	}
	if org.Status != pipeline.OrgOrganised || org.Classified != 4 {
		t.Errorf("org = %+v", org)
	}
	if _, err := c.FetchProgress(ctx, pipeline.Target{DDID: "dd1"}); !errors.Is(err, apierr.ErrNoActiveRun) {
		t.Errorf("progress before any run: err = %v, want NoActiveRun", err)
	}
	if _, err := c.FetchOrganisation(ctx, "nope"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("unknown project: err = %v", err)
	}
}

func TestRunAdvancesThroughPasses(t *testing.T) {
	srv, c, clk := newTestServer(t, Config{StepPercent: 25})
	ctx := context.Background()
	runID := startRun(t, c)

	if _, err := c.Start(ctx, runID, api.StartRequest{}); !errors.Is(err, apierr.ErrAlreadyProcessing) {
		t.Errorf("second start: err = %v, want AlreadyProcessing", err)
	}

	for i := 0; i < 4; i++ {
		clk.Advance(time.Second)
		srv.Step()
	}
	snap, err := c.FetchProgress(ctx, pipeline.Target{DDID: "dd1"})
	if err != nil {
		t.Fatalf("FetchProgress: %v", err)
	}
	if snap.RunID != runID || snap.Status != pipeline.StatusProcessing {
		t.Fatalf("snap = %+v", snap)
	}
	if snap.CurrentPass != pipeline.PassAnalyze {
		t.Errorf("current pass = %s, want analyze", snap.CurrentPass)
	}
	if pp := snap.Pass(pipeline.PassExtract); pp.Status != pipeline.PassCompleted || pp.Progress != 100 {
		t.Errorf("extract = %+v", pp)
	}
	if snap.LastUpdated.IsZero() || snap.EstimatedCompletion.IsZero() || snap.ElapsedSeconds != 4 {
		t.Errorf("timing: last=%v eta=%v elapsed=%d", snap.LastUpdated, snap.EstimatedCompletion, snap.ElapsedSeconds)
	}

	for i := 0; i < 24; i++ {
		srv.Step()
	}
	snap, err = c.FetchProgress(ctx, pipeline.Target{DDID: "dd1", RunID: runID})
	if err != nil {
		t.Fatalf("FetchProgress: %v", err)
	}
	if snap.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	// One finding per step in the analyze and cross-document passes.
	if got := snap.FindingCounts.Total(); got != 8 {
		t.Errorf("findings = %d, want 8", got)
	}
	if snap.TotalInputTokens == 0 || snap.EstimatedCostUSD == 0 {
		t.Errorf("usage not reported: %+v", snap)
	}
	for _, d := range snap.Documents {
		if d.Status != pipeline.DocCompleted {
			t.Errorf("document %s = %s, want completed", d.ID, d.Status)
		}
	}
}

func TestPauseResume(t *testing.T) {
	srv, c, _ := newTestServer(t, Config{})
	ctx := context.Background()
	runID := startRun(t, c)

	if err := c.Pause(ctx, runID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Pause(ctx, runID); !errors.Is(err, apierr.ErrInvalidStateTransition) {
		t.Errorf("double pause: err = %v", err)
	}

	srv.Step()
	snap, _ := c.FetchProgress(ctx, pipeline.Target{RunID: runID})
	if snap.Status != pipeline.StatusPaused || snap.Pass(pipeline.PassExtract).Progress != 0 {
		t.Errorf("paused run advanced: %+v", snap.Pass(pipeline.PassExtract))
	}

	if err := c.Resume(ctx, runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	srv.Step()
	snap, _ = c.FetchProgress(ctx, pipeline.Target{RunID: runID})
	if snap.Status != pipeline.StatusProcessing || snap.Pass(pipeline.PassExtract).Progress != 25 {
		t.Errorf("resumed run: %s %+v", snap.Status, snap.Pass(pipeline.PassExtract))
	}
}

func TestCancelByProject(t *testing.T) {
	_, c, _ := newTestServer(t, Config{})
	ctx := context.Background()
	runID := startRun(t, c)

	if err := c.Cancel(ctx, pipeline.Target{DDID: "dd1"}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap, _ := c.FetchProgress(ctx, pipeline.Target{RunID: runID})
	if snap.Status != pipeline.StatusCancelled || snap.LastError != "Cancelled by user" {
		t.Errorf("snap = %s %q", snap.Status, snap.LastError)
	}
	if err := c.Cancel(ctx, pipeline.Target{RunID: runID}); !errors.Is(err, apierr.ErrInvalidStateTransition) {
		t.Errorf("cancel twice: err = %v", err)
	}
}

func TestRestartFromCheckpoint(t *testing.T) {
	srv, c, _ := newTestServer(t, Config{})
	ctx := context.Background()

	ref, err := c.CreateRun(ctx, "dd1", readyIDs(t, c))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := c.Restart(ctx, ref.ID); !errors.Is(err, apierr.ErrNoCheckpoint) {
		t.Errorf("restart before start: err = %v, want NoCheckpoint", err)
	}
	if _, err := c.Start(ctx, ref.ID, api.StartRequest{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 6; i++ {
		srv.Step()
	}
	if err := srv.Fail(ref.ID, "worker crashed"); err != nil {
		t.Fatal(err)
	}

	res, err := c.Restart(ctx, ref.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if res.CurrentPass != pipeline.PassAnalyze || res.TotalDocuments != 3 {
		t.Errorf("restart result = %+v", res)
	}
	snap, _ := c.FetchProgress(ctx, pipeline.Target{RunID: ref.ID})
	if snap.Status != pipeline.StatusProcessing || snap.LastError != "" || snap.RetryCount != 1 {
		t.Errorf("after restart: %s %q retries=%d", snap.Status, snap.LastError, snap.RetryCount)
	}

	if err := c.Cancel(ctx, pipeline.Target{RunID: ref.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Restart(ctx, ref.ID); !errors.Is(err, apierr.ErrInvalidStateTransition) {
		t.Errorf("restart cancelled run: err = %v", err)
	}
}

func TestStalledRunStopsUpdating(t *testing.T) {
	srv, c, clk := newTestServer(t, Config{})
	ctx := context.Background()
	runID := startRun(t, c)
	srv.Step()
	before, _ := c.FetchProgress(ctx, pipeline.Target{RunID: runID})

	if err := srv.Stall(runID); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Minute)
	srv.Step()
	after, _ := c.FetchProgress(ctx, pipeline.Target{RunID: runID})
	if !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("stalled run updated: %v -> %v", before.LastUpdated, after.LastUpdated)
	}
	if after.Status != pipeline.StatusProcessing {
		t.Errorf("stalled run status = %s", after.Status)
	}
}

func TestCreateRunValidation(t *testing.T) {
	_, c, _ := newTestServer(t, Config{})
	_, err := c.CreateRun(context.Background(), "dd1", nil)
	if apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("empty selection: err = %v, want validation", err)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := New(Config{Token: "secret"})
	srv.Seed("dd1", 2, 0)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	anon := api.New(api.Options{BaseURL: ts.URL})
	if _, err := anon.ListDocuments(context.Background(), "dd1"); apierr.KindOf(err) != apierr.KindAuth {
		t.Errorf("no token: err = %v, want auth", err)
	}
	authed := api.New(api.Options{BaseURL: ts.URL, Token: "secret"})
	if _, err := authed.ListDocuments(context.Background(), "dd1"); err != nil {
		t.Errorf("with token: %v", err)
	}
}

func waitSubscribers(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Subscribers("dd1") < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", srv.Subscribers("dd1"), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectFinding(t *testing.T, conn stream.Conn) {
	t.Helper()
	env, err := conn.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if env.Type != "finding" {
		t.Fatalf("type = %q, want finding", env.Type)
	}
	var f pipeline.WireFinding
	if err := json.Unmarshal(env.Data, &f); err != nil {
		t.Fatalf("decode finding: %v", err)
	}
	if f.ID == "" || f.Pass != string(pipeline.PassAnalyze) || f.DocumentName == "" {
		t.Errorf("finding = %+v", f)
	}
}

func TestSSEStreamDeliversFindings(t *testing.T) {
	srv, c, _ := newTestServer(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := (&stream.SSEDialer{Endpoint: c}).Dial(ctx, "dd1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitSubscribers(t, srv, 1)

	startRun(t, c)
	for i := 0; i < 5; i++ {
		srv.Step()
	}
	expectFinding(t, conn)
}

func TestWebsocketStreamDeliversFindings(t *testing.T) {
	srv, c, _ := newTestServer(t, Config{})
	conn, err := (&stream.WSDialer{Endpoint: c}).Dial(context.Background(), "dd1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitSubscribers(t, srv, 1)

	startRun(t, c)
	for i := 0; i < 5; i++ {
		srv.Step()
	}
	expectFinding(t, conn)
}

func TestStreamUnknownProject(t *testing.T) {
	_, c, _ := newTestServer(t, Config{})
	_, err := (&stream.SSEDialer{Endpoint: c}).Dial(context.Background(), "missing")
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestBasePath(t *testing.T) {
	srv := New(Config{BasePath: "/api/dd"})
	srv.Seed("dd1", 2, 0)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := api.New(api.Options{BaseURL: ts.URL + "/api/dd"})
	if _, err := c.ListDocuments(context.Background(), "dd1"); err != nil {
		t.Errorf("prefixed route: %v", err)
	}
	root := api.New(api.Options{BaseURL: ts.URL})
	if _, err := root.ListDocuments(context.Background(), "dd1"); apierr.KindOf(err) != apierr.KindNotFound {
		t.Errorf("unprefixed route: err = %v, want not found", err)
	}
}
