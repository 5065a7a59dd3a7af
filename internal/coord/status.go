package coord

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/ui"
)

// StatusFetcher is what a one-shot status needs from the API client.
type StatusFetcher interface {
	FetchProgress(ctx context.Context, t pipeline.Target) (*pipeline.RunSnapshot, error)
	FetchOrganisation(ctx context.Context, ddID string) (*pipeline.OrganisationProgress, error)
	ListDocuments(ctx context.Context, ddID string) ([]pipeline.Document, error)
}

// FetchStatus fetches progress, organisation and documents in parallel and
// resolves them into a Snapshot. A project without a run is not an error.
// Organisation and document failures degrade the snapshot; a progress
// failure is returned.
func FetchStatus(ctx context.Context, f StatusFetcher, target pipeline.Target, checked bool) (ui.Snapshot, error) {
	var (
		run  *pipeline.RunSnapshot
		org  *pipeline.OrganisationProgress
		docs []pipeline.Document
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		run, err = f.FetchProgress(gctx, target)
		if errors.Is(err, apierr.ErrNoActiveRun) && target.RunID == "" {
			return nil
		}
		return err
	})
	g.Go(func() error {
		org, _ = f.FetchOrganisation(gctx, target.DDID)
		return nil
	})
	g.Go(func() error {
		docs, _ = f.ListDocuments(gctx, target.DDID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return ui.Snapshot{}, apierr.Classify("status", err)
	}

	rs := pipeline.ReadabilityState{Documents: docs, Checked: checked}
	snap := ui.Snapshot{
		DDID:        target.DDID,
		RunID:       target.RunID,
		Org:         org,
		Readability: rs,
		Phase:       phase.Resolve(run, org, rs),
		At:          time.Now(),
	}
	if run != nil {
		run.Normalize()
		snap.Run = run
		snap.RunID = run.RunID
		snap.Paused = run.Status == pipeline.StatusPaused
	}
	return snap, nil
}
