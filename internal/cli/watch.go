package cli

import (
	"context"
	"fmt"
	"net/http"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/abelbrown/ddwatch/internal/api"
	"github.com/abelbrown/ddwatch/internal/clock"
	"github.com/abelbrown/ddwatch/internal/coord"
	"github.com/abelbrown/ddwatch/internal/lifecycle"
	"github.com/abelbrown/ddwatch/internal/otel"
	"github.com/abelbrown/ddwatch/internal/poll"
	"github.com/abelbrown/ddwatch/internal/stream"
	"github.com/abelbrown/ddwatch/internal/ui"
)

var (
	watchRun          string
	watchIncludeTier3 bool
	watchClustered    bool
	watchModelTier    string
)

var watchCmd = &cobra.Command{
	Use:   "watch <dd-id>",
	Short: "Open the live dashboard for a project",
	Long: `Open the live dashboard for a Due Diligence project.

The dashboard polls run progress, subscribes to the findings stream and
keeps a local event log. Keys: s start, p pause/resume, x cancel,
R restart a stuck or failed run, c reconnect the stream, r refresh,
? debug overlay, q quit.

Examples:
  ddwatch watch dd-123
  ddwatch watch dd-123 --run 7f3c...`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchRun, "run", "", "watch a specific run instead of the last known one")
	watchCmd.Flags().BoolVar(&watchIncludeTier3, "include-tier3", false, "include tier 3 documents when starting")
	watchCmd.Flags().BoolVar(&watchClustered, "clustered", false, "use the clustered pass 3 when starting")
	watchCmd.Flags().StringVar(&watchModelTier, "model-tier", "", "model tier when starting (default from config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ddID := args[0]
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	events, closeEvents := openEvents()
	defer closeEvents()
	ring := otel.NewRingBuffer(cfg.Log.RingBufSize)
	events.SetRingBuffer(ring)
	events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStartup, Comp: "main", DDID: ddID, Msg: Version})

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	client := newClient(events)
	coordinator := coord.New(coordConfig(events), client, streamDialer(client), st)

	modelTier := watchModelTier
	if modelTier == "" {
		modelTier = cfg.Lifecycle.ModelTier
	}
	app := ui.NewApp(ui.AppConfig{
		Actions: coordinator.Actions(),
		StartOptions: lifecycle.StartOptions{
			IncludeTier3:      watchIncludeTier3,
			UseClusteredPass3: watchClustered,
			ModelTier:         modelTier,
		},
		StuckThreshold: cfg.Lifecycle.StuckThreshold,
		LogLines:       cfg.UI.LogLines,
		FindingsShown:  cfg.UI.FindingsShown,
		Ring:           ring,
		Logger:         events,
	})

	var opts []tea.ProgramOption
	if cfg.UI.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	program := tea.NewProgram(app, append(opts, tea.WithContext(ctx))...)

	coordinator.Start(ctx, program)
	// Send blocks until the program runs, so mount from a goroutine.
	go func() {
		if watchRun != "" {
			coordinator.Controller().SetProject(ddID, watchRun)
			return
		}
		coordinator.Open(ddID)
	}()

	events.Debug(otel.KindStreamConnect, "main", "transport "+cfg.Stream.Transport)
	logger.Info("dashboard started", "dd_id", ddID, "api", cfg.API.BaseURL, "transport", cfg.Stream.Transport)
	_, runErr := program.Run()

	cancel()
	coordinator.Wait()
	events.Info(otel.KindShutdown, "main", "dashboard closed")
	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("run dashboard: %w", runErr)
	}
	return nil
}

func coordConfig(events *otel.Logger) coord.Config {
	return coord.Config{
		Poll: poll.Config{
			FastInterval: cfg.Polling.FastInterval,
			SlowInterval: cfg.Polling.SlowInterval,
			Timeout:      cfg.API.Timeout,
			Logger:       events,
		},
		OrgInterval: cfg.Polling.OrgInterval,
		Stream: stream.Config{
			Backoff: stream.Backoff{
				Base:        cfg.Stream.BackoffBase,
				Factor:      2,
				Max:         cfg.Stream.BackoffMax,
				MaxAttempts: cfg.Stream.MaxAttempts,
			},
			BufferSize: cfg.Stream.BufferSize,
			Logger:     events,
		},
		Lifecycle: lifecycle.Config{
			StuckThreshold: cfg.Lifecycle.StuckThreshold,
			ModelTier:      cfg.Lifecycle.ModelTier,
			Logger:         events,
		},
		MaxLogEntries: cfg.Log.MaxEntries,
		Clock:         clock.Real{},
		Logger:        events,
	}
}

func streamDialer(client *api.Client) stream.Dialer {
	if cfg.Stream.Transport == "websocket" {
		return &stream.WSDialer{Endpoint: client}
	}
	// No client timeout: the stream is long-lived.
	return &stream.SSEDialer{Endpoint: client, Client: &http.Client{}}
}
