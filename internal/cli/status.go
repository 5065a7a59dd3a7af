package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/ddwatch/internal/coord"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/phase"
	"github.com/abelbrown/ddwatch/internal/pipeline"
	"github.com/abelbrown/ddwatch/internal/ui"
)

var (
	statusRun  string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status <dd-id>",
	Short: "Print the current state of a project",
	Long: `Fetch progress, organisation and document readability once and print
the resolved phase.

Examples:
  ddwatch status dd-123
  ddwatch status dd-123 --run 7f3c... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRun, "run", "", "report a specific run")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
}

// statusReport is the JSON form of status.
type statusReport struct {
	DDID         string                                  `json:"dd_id"`
	RunID        string                                  `json:"run_id,omitempty"`
	Phase        pipeline.Phase                          `json:"phase"`
	Status       pipeline.RunStatus                      `json:"status,omitempty"`
	CurrentPass  pipeline.Pass                           `json:"current_pass,omitempty"`
	Progress     int                                     `json:"progress"`
	Passes       map[pipeline.Pass]pipeline.PassProgress `json:"passes,omitempty"`
	Findings     *pipeline.FindingCounts                 `json:"findings,omitempty"`
	CostUSD      float64                                 `json:"cost_usd,omitempty"`
	Elapsed      string                                  `json:"elapsed,omitempty"`
	Stuck        bool                                    `json:"stuck"`
	CanRestart   bool                                    `json:"can_restart"`
	LastError    string                                  `json:"last_error,omitempty"`
	ReadyDocs    int                                     `json:"ready_documents"`
	TotalDocs    int                                     `json:"total_documents"`
	Organisation pipeline.OrgStatus                      `json:"organisation,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ddID := args[0]
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runID := statusRun
	if runID == "" {
		runID, _ = st.CurrentRun(ddID)
	}
	checked, _ := st.ReadabilityChecked(ddID)

	events, closeEvents := openEvents()
	defer closeEvents()

	snap, err := coord.FetchStatus(cmd.Context(), newClient(events), pipeline.Target{DDID: ddID, RunID: runID}, checked)
	if err != nil {
		return err
	}
	if snap.Org == nil {
		events.Warn(otel.KindPollError, "cli", "organisation progress unavailable")
	}
	report := buildReport(snap, time.Now(), cfg.Lifecycle.StuckThreshold)

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(report, snap.Run)
	return nil
}

func buildReport(snap ui.Snapshot, now time.Time, threshold time.Duration) statusReport {
	r := statusReport{
		DDID:      snap.DDID,
		RunID:     snap.RunID,
		Phase:     snap.Phase,
		ReadyDocs: len(snap.Readability.ReadyIDs()),
		TotalDocs: len(snap.Readability.Documents),
	}
	if snap.Org != nil {
		r.Organisation = snap.Org.Status
	}
	if run := snap.Run; run != nil {
		counts := run.FindingCounts
		r.Status = run.Status
		r.CurrentPass = run.CurrentPass
		r.Progress = run.OverallProgress()
		r.Passes = run.PassProgress
		r.Findings = &counts
		r.CostUSD = run.EstimatedCostUSD
		r.Elapsed = phase.Elapsed(run, now).Truncate(time.Second).String()
		r.Stuck = phase.IsStuck(run, now, threshold)
		r.CanRestart = phase.CanRestart(run, now, threshold)
		r.LastError = run.LastError
	}
	return r
}

func printReport(r statusReport, run *pipeline.RunSnapshot) {
	fmt.Printf("Project:  %s\n", r.DDID)
	fmt.Printf("Phase:    %s\n", phase.Label(r.Phase))
	if r.Organisation != "" {
		fmt.Printf("Organisation: %s\n", r.Organisation)
	}
	if r.TotalDocs > 0 {
		fmt.Printf("Documents: %d ready of %d\n", r.ReadyDocs, r.TotalDocs)
	}
	if run == nil {
		fmt.Println("No run yet.")
		return
	}

	fmt.Printf("Run:      %s (%s, %d%%, %s)\n", r.RunID, r.Status, r.Progress, r.Elapsed)
	fmt.Println()
	for _, p := range pipeline.Passes {
		pp := run.Pass(p)
		bar := strings.Repeat("#", pp.Progress/5) + strings.Repeat(".", 20-pp.Progress/5)
		fmt.Printf("  %-16s [%s] %3d%%  %s\n", p.Label(), bar, pp.Progress, pp.Status)
	}
	c := r.Findings
	fmt.Println()
	fmt.Printf("Findings: %d critical, %d high, %d medium, %d low, %d info\n", c.Critical, c.High, c.Medium, c.Low, c.Info)
	fmt.Printf("Cost:     $%.2f\n", r.CostUSD)
	if r.LastError != "" {
		fmt.Printf("Error:    %s\n", r.LastError)
	}
	if r.Stuck {
		fmt.Println("\nNo progress for a while. Run 'ddwatch restart' to resume from the last checkpoint.")
	} else if r.CanRestart {
		fmt.Println("\nRun 'ddwatch restart' to resume from the last checkpoint.")
	}
}
