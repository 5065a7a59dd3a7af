package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abelbrown/ddwatch/internal/api"
	"github.com/abelbrown/ddwatch/internal/apierr"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/lifecycle"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/store"
)

var (
	controlRun string

	startDocs         []string
	startYes          bool
	startIncludeTier3 bool
	startClustered    bool
	startModelTier    string
)

var startCmd = &cobra.Command{
	Use:   "start <dd-id>",
	Short: "Create a run and start processing",
	Long: `Create a run over the selected documents and start it. Without --docs
every document that passed the readability check is selected.

Processing the exact document set of a completed run again, or selecting
documents that failed the readability check, needs --yes.

Examples:
  ddwatch start dd-123
  ddwatch start dd-123 --docs a1,b2 --model-tier premium
  ddwatch start dd-123 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <dd-id>",
	Short: "Pause the current run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd.Context(), args[0], func(ctx context.Context, sess *session) error {
			ctrl := sess.ctrl
			if err := ctrl.Pause(ctx); err != nil {
				return err
			}
			fmt.Printf("Paused run %s\n", ctrl.CurrentRun().RunID)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <dd-id>",
	Short: "Resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd.Context(), args[0], func(ctx context.Context, sess *session) error {
			ctrl := sess.ctrl
			if err := ctrl.Resume(ctx); err != nil {
				return err
			}
			fmt.Printf("Resumed run %s\n", ctrl.CurrentRun().RunID)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <dd-id>",
	Short: "Cancel the current run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd.Context(), args[0], func(ctx context.Context, sess *session) error {
			ctrl := sess.ctrl
			if err := ctrl.Cancel(ctx); err != nil {
				return err
			}
			fmt.Println("Cancellation requested")
			return nil
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <dd-id>",
	Short: "Restart a stuck or failed run from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd.Context(), args[0], func(ctx context.Context, sess *session) error {
			ctrl := sess.ctrl
			snap, err := sess.client.FetchProgress(ctx, ctrl.CurrentRun().Target())
			if err != nil {
				return err
			}
			if err := ctrl.Observe(snap); err != nil {
				return err
			}
			res, err := ctrl.Restart(ctx, snap)
			if err != nil {
				return err
			}
			fmt.Printf("Restarted run %s at %s (%d/%d documents processed)\n",
				ctrl.CurrentRun().RunID, res.CurrentPass.Label(), res.DocumentsProcessed, res.TotalDocuments)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{pauseCmd, resumeCmd, cancelCmd, restartCmd} {
		c.Flags().StringVar(&controlRun, "run", "", "act on a specific run instead of the last known one")
	}
	startCmd.Flags().StringSliceVar(&startDocs, "docs", nil, "document ids to process (default: all ready documents)")
	startCmd.Flags().BoolVarP(&startYes, "yes", "y", false, "confirm re-running a processed set or skipping unreadable documents")
	startCmd.Flags().BoolVar(&startIncludeTier3, "include-tier3", false, "include tier 3 documents")
	startCmd.Flags().BoolVar(&startClustered, "clustered", false, "use the clustered pass 3")
	startCmd.Flags().StringVar(&startModelTier, "model-tier", "", "model tier (default from config)")
}

type session struct {
	ctrl   *lifecycle.Controller
	client *api.Client
	store  *store.Store
}

// withController builds a controller pointed at the project's current run
// (or --run) and calls fn with it.
func withController(ctx context.Context, ddID string, fn func(context.Context, *session) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	events, closeEvents := openEvents()
	defer closeEvents()

	client := newClient(events)
	ctrl := newController(client, st, events)
	runID := controlRun
	if runID == "" {
		runID, _ = st.CurrentRun(ddID)
	}
	ctrl.SetProject(ddID, runID)
	err = fn(ctx, &session{ctrl: ctrl, client: client, store: st})
	if err != nil {
		events.Error(otel.KindControlError, "cli", err)
	}
	return err
}

func newController(client *api.Client, st *store.Store, events *otel.Logger) *lifecycle.Controller {
	return lifecycle.New(lifecycle.Config{
		StuckThreshold: cfg.Lifecycle.StuckThreshold,
		ModelTier:      cfg.Lifecycle.ModelTier,
		Clock:          clock.Real{},
		Logger:         events,
	}, client, st)
}

func runStart(cmd *cobra.Command, args []string) error {
	ddID := args[0]
	return withController(cmd.Context(), ddID, func(ctx context.Context, sess *session) error {
		docs, err := sess.client.ListDocuments(ctx, ddID)
		if err != nil {
			return err
		}
		checked, _ := sess.store.ReadabilityChecked(ddID)

		opts := lifecycle.StartOptions{
			IncludeTier3:      startIncludeTier3,
			UseClusteredPass3: startClustered,
			ModelTier:         startModelTier,
			ConfirmRerun:      startYes,
			ConfirmUnreadable: startYes,
		}
		rs := pipeline.ReadabilityState{Documents: docs, Checked: checked}
		res, err := sess.ctrl.Launch(ctx, ddID, startDocs, rs, opts)
		switch {
		case errors.Is(err, apierr.ErrRerunConfirmation), errors.Is(err, apierr.ErrUnreadableConfirmation):
			return fmt.Errorf("%s Re-run with --yes to proceed", apierr.UserMessage(err))
		case err != nil:
			return err
		}
		ref := sess.ctrl.CurrentRun()
		fmt.Printf("Started %s (%s) over %d documents\n", ref.RunID, ref.Name, res.TotalDocuments)
		return nil
	})
}
