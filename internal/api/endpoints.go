package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// FetchProgress returns the run snapshot for t.
func (c *Client) FetchProgress(ctx context.Context, t pipeline.Target) (*pipeline.RunSnapshot, error) {
	var w pipeline.WireProgress
	err := c.do(ctx, call{
		op:           "progress",
		method:       http.MethodGet,
		path:         "/progress",
		query:        targetQuery(t),
		notFoundCode: apierr.CodeNoActiveRun,
	}, &w)
	if err != nil {
		return nil, err
	}
	snap := w.Snapshot()
	if snap.DDID == "" {
		snap.DDID = t.DDID
	}
	return snap, nil
}

// FetchOrganisation returns document classification and organisation
// progress for a project.
func (c *Client) FetchOrganisation(ctx context.Context, ddID string) (*pipeline.OrganisationProgress, error) {
	var w pipeline.WireOrganisation
	err := c.do(ctx, call{
		op:     "organisation",
		method: http.MethodGet,
		path:   "/organisation-progress",
		query:  url.Values{"dd_id": {ddID}},
	}, &w)
	if err != nil {
		return nil, err
	}
	return w.Organisation(), nil
}

type documentsResponse struct {
	Documents []pipeline.WireProjectDocument `json:"documents"`
}

// ListDocuments returns the project's documents with their readability.
func (c *Client) ListDocuments(ctx context.Context, ddID string) ([]pipeline.Document, error) {
	var w documentsResponse
	err := c.do(ctx, call{
		op:     "documents",
		method: http.MethodGet,
		path:   "/documents",
		query:  url.Values{"dd_id": {ddID}},
	}, &w)
	if err != nil {
		return nil, err
	}
	docs := make([]pipeline.Document, 0, len(w.Documents))
	for _, d := range w.Documents {
		docs = append(docs, d.Document())
	}
	return docs, nil
}

// RunRef identifies a created run.
type RunRef struct {
	ID   string `json:"run_id"`
	Name string `json:"name"`
}

type createRunRequest struct {
	DDID                string   `json:"dd_id"`
	SelectedDocumentIDs []string `json:"selected_document_ids"`
}

// CreateRun creates a run over the given documents.
func (c *Client) CreateRun(ctx context.Context, ddID string, docIDs []string) (RunRef, error) {
	var ref RunRef
	err := c.do(ctx, call{
		op:      "create_run",
		method:  http.MethodPost,
		path:    "/runs",
		body:    createRunRequest{DDID: ddID, SelectedDocumentIDs: docIDs},
		control: true,
	}, &ref)
	if err != nil {
		return RunRef{}, err
	}
	if ref.ID == "" {
		return RunRef{}, apierr.New(apierr.KindTransport, "create_run", apierr.CodeMalformed, nil)
	}
	return ref, nil
}

// StartRequest is the body of a process-start call.
type StartRequest struct {
	IncludeTier3      bool   `json:"include_tier3"`
	UseClusteredPass3 bool   `json:"use_clustered_pass3"`
	ModelTier         string `json:"model_tier"`
}

// StartResult is the backend's answer to process-start.
type StartResult struct {
	Status         string `json:"status"`
	RunID          string `json:"run_id"`
	CheckpointID   string `json:"checkpoint_id"`
	TotalDocuments int    `json:"total_documents"`
}

// Start begins processing a created run. 409 means a run is already
// processing for the project.
func (c *Client) Start(ctx context.Context, runID string, req StartRequest) (StartResult, error) {
	var res StartResult
	err := c.do(ctx, call{
		op:           "start",
		method:       http.MethodPost,
		path:         "/process-start",
		query:        url.Values{"run_id": {runID}},
		body:         req,
		control:      true,
		conflictCode: apierr.CodeAlreadyProcessing,
		notFoundCode: apierr.CodeNoRun,
	}, &res)
	return res, err
}

// Pause pauses a processing run.
func (c *Client) Pause(ctx context.Context, runID string) error {
	return c.pauseAction(ctx, "pause", runID)
}

// Resume resumes a paused run.
func (c *Client) Resume(ctx context.Context, runID string) error {
	return c.pauseAction(ctx, "resume", runID)
}

func (c *Client) pauseAction(ctx context.Context, action, runID string) error {
	return c.do(ctx, call{
		op:           action,
		method:       http.MethodPost,
		path:         "/process-pause",
		query:        url.Values{"run_id": {runID}, "action": {action}},
		control:      true,
		conflictCode: apierr.CodeInvalidStateTransition,
		notFoundCode: apierr.CodeNoActiveRun,
	}, nil)
}

// Cancel cancels the run identified by t, or the project's active run.
func (c *Client) Cancel(ctx context.Context, t pipeline.Target) error {
	return c.do(ctx, call{
		op:           "cancel",
		method:       http.MethodPost,
		path:         "/process-cancel",
		query:        targetQuery(t),
		control:      true,
		conflictCode: apierr.CodeInvalidStateTransition,
		notFoundCode: apierr.CodeNoActiveRun,
	}, nil)
}

// RestartResult reports where a restarted run resumes from.
type RestartResult struct {
	CurrentPass        pipeline.Pass
	DocumentsProcessed int
	TotalDocuments     int
}

type restartResponse struct {
	Progress struct {
		CurrentPass        string `json:"current_pass"`
		DocumentsProcessed int    `json:"documents_processed"`
		TotalDocuments     int    `json:"total_documents"`
	} `json:"progress"`
}

// Restart resumes a run from its last checkpoint. 404 means there is no
// checkpoint; 409 means the run is already running or completed.
func (c *Client) Restart(ctx context.Context, runID string) (RestartResult, error) {
	var w restartResponse
	err := c.do(ctx, call{
		op:           "restart",
		method:       http.MethodPost,
		path:         "/process-restart",
		query:        url.Values{"run_id": {runID}},
		control:      true,
		conflictCode: apierr.CodeInvalidStateTransition,
		notFoundCode: apierr.CodeNoCheckpoint,
	}, &w)
	if err != nil {
		return RestartResult{}, err
	}
	pass, _ := pipeline.ParsePass(w.Progress.CurrentPass)
	return RestartResult{
		CurrentPass:        pass,
		DocumentsProcessed: w.Progress.DocumentsProcessed,
		TotalDocuments:     w.Progress.TotalDocuments,
	}, nil
}
