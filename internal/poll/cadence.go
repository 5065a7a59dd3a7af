package poll

import (
	"context"

	"github.com/abelbrown/ddwatch/internal/pipeline"
)

// ProgressFetcher is the part of the API client the run poller needs.
type ProgressFetcher interface {
	FetchProgress(ctx context.Context, t pipeline.Target) (*pipeline.RunSnapshot, error)
}

// OrganisationFetcher is the part of the API client the organisation
// poller needs.
type OrganisationFetcher interface {
	FetchOrganisation(ctx context.Context, ddID string) (*pipeline.OrganisationProgress, error)
}

// RunCadence polls fast while processing, slowly otherwise, and stops once
// the run is terminal.
func RunCadence(s *pipeline.RunSnapshot) Cadence {
	switch {
	case s == nil:
		return CadenceSlow
	case s.Status.Terminal():
		return CadenceStop
	case s.Status == pipeline.StatusProcessing:
		return CadenceFast
	}
	return CadenceSlow
}

// OrganisationCadence polls fast while documents are being classified or
// organised and stops on a terminal organisation status.
func OrganisationCadence(o *pipeline.OrganisationProgress) Cadence {
	switch {
	case o == nil:
		return CadenceSlow
	case o.Status.Terminal():
		return CadenceStop
	case o.Status == pipeline.OrgClassifying || o.Status == pipeline.OrgOrganising:
		return CadenceFast
	}
	return CadenceSlow
}

// NewRunPoller polls GET /progress.
func NewRunPoller(cfg Config, f ProgressFetcher, sink func(Update[*pipeline.RunSnapshot])) *Poller[*pipeline.RunSnapshot] {
	if cfg.Name == "" {
		cfg.Name = "poll"
	}
	return New[*pipeline.RunSnapshot](cfg, f.FetchProgress, RunCadence, sink)
}

// NewOrganisationPoller polls GET /organisation-progress for the target's
// project.
func NewOrganisationPoller(cfg Config, f OrganisationFetcher, sink func(Update[*pipeline.OrganisationProgress])) *Poller[*pipeline.OrganisationProgress] {
	if cfg.Name == "" {
		cfg.Name = "org_poll"
	}
	fetch := func(ctx context.Context, t pipeline.Target) (*pipeline.OrganisationProgress, error) {
		return f.FetchOrganisation(ctx, t.DDID)
	}
	return New[*pipeline.OrganisationProgress](cfg, fetch, OrganisationCadence, sink)
}
