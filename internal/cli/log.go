package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	logLimit int
	logClear bool
)

var logCmd = &cobra.Command{
	Use:   "log <dd-id>",
	Short: "Print the local event log of a project",
	Long: `Print the event log the dashboard keeps for a project: pass
transitions, document progress, phase changes and run outcomes.

Examples:
  ddwatch log dd-123
  ddwatch log dd-123 -n 100
  ddwatch log dd-123 --clear`,
	Args: cobra.ExactArgs(1),
	RunE: runLog,
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "number of most recent entries (0 for all)")
	logCmd.Flags().BoolVar(&logClear, "clear", false, "delete the project's event log")
}

func runLog(cmd *cobra.Command, args []string) error {
	ddID := args[0]
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if logClear {
		if err := st.ClearLog(ddID); err != nil {
			return fmt.Errorf("clear log: %w", err)
		}
		fmt.Printf("Cleared event log for %s\n", ddID)
		return nil
	}

	entries, err := st.LoadLog(ddID)
	if err != nil {
		return fmt.Errorf("load log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No events recorded yet. The dashboard records them while it watches a project.")
		return nil
	}
	if logLimit > 0 && len(entries) > logLimit {
		entries = entries[len(entries)-logLimit:]
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-8s %s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, e.Message)
		if e.Details != "" {
			line += "  (" + e.Details + ")"
		}
		fmt.Println(line)
	}
	return nil
}
