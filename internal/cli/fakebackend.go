package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/ddwatch/internal/fakebackend"
)

var (
	fakeAddr       string
	fakeBasePath   string
	fakeProject    string
	fakeDocs       int
	fakeUnreadable int
	fakeStep       time.Duration
	fakeStepPct    int
	fakeToken      string
)

var fakeBackendCmd = &cobra.Command{
	Use:   "fake-backend",
	Short: "Serve a simulated pipeline backend for local development",
	Long: `Serve an in-memory backend that implements the progress, organisation,
document, run-control and findings-stream endpoints. Runs advance one step
per --step interval and emit findings during the analysis passes.

Examples:
  ddwatch fake-backend
  ddwatch fake-backend --project dd-demo --docs 30 --step 500ms
  ddwatch watch dd-demo   # in another terminal`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv := fakebackend.New(fakebackend.Config{
			BasePath:    fakeBasePath,
			Token:       fakeToken,
			StepPercent: fakeStepPct,
			Logger:      logger,
		})
		srv.Seed(fakeProject, fakeDocs, fakeUnreadable)

		ctx := cmd.Context()
		go srv.Run(ctx, fakeStep)

		fmt.Fprintf(cmd.OutOrStdout(), "Serving project %s on %s%s\n", fakeProject, fakeAddr, fakeBasePath)
		return srv.ListenAndServe(ctx, fakeAddr)
	},
}

func init() {
	f := fakeBackendCmd.Flags()
	f.StringVar(&fakeAddr, "addr", ":8000", "listen address")
	f.StringVar(&fakeBasePath, "base-path", "/api/dd", "route prefix")
	f.StringVar(&fakeProject, "project", "dd-demo", "id of the seeded project")
	f.IntVar(&fakeDocs, "docs", 12, "number of seeded documents")
	f.IntVar(&fakeUnreadable, "unreadable", 1, "number of seeded documents that fail readability")
	f.DurationVar(&fakeStep, "step", 2*time.Second, "simulation step interval")
	f.IntVar(&fakeStepPct, "step-percent", 25, "pass progress added per step")
	f.StringVar(&fakeToken, "token", "", "require this bearer token")
}
