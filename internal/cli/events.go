package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// eventRecord mirrors otel.Event for JSON decoding. Decoding the JSONL
// directly keeps old log files readable as the schema grows.
type eventRecord struct {
	Time    time.Time `json:"t"`
	Level   string    `json:"level"`
	Kind    string    `json:"kind"`
	Comp    string    `json:"comp"`
	DDID    string    `json:"dd_id"`
	RunID   string    `json:"run_id"`
	Op      string    `json:"op"`
	Status  string    `json:"status"`
	Pass    string    `json:"pass"`
	Attempt int       `json:"attempt"`
	Count   int       `json:"count"`
	DurMs   float64   `json:"dur_ms"`
	Err     string    `json:"err"`
	Msg     string    `json:"msg"`
}

type eventFilter struct {
	kind  string
	level string
	comp  string
	ddID  string
	runID string
}

func (f eventFilter) match(ev eventRecord) bool {
	if f.kind != "" && !strings.HasPrefix(ev.Kind, f.kind) {
		return false
	}
	if f.level != "" && levelRank(ev.Level) < levelRank(f.level) {
		return false
	}
	if f.comp != "" && ev.Comp != f.comp {
		return false
	}
	if f.ddID != "" && ev.DDID != f.ddID {
		return false
	}
	if f.runID != "" && ev.RunID != f.runID {
		return false
	}
	return true
}

var (
	eventsTail   int
	eventsFollow bool
	eventsJSON   bool
	eventsFilter eventFilter
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the observability event log",
	Long: `Print recent events from the JSONL event log written by the dashboard
and the control commands.

Examples:
  ddwatch events --tail 100
  ddwatch events -f --comp stream
  ddwatch events --kind control --level warn`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	f := eventsCmd.Flags()
	f.IntVar(&eventsTail, "tail", 50, "number of recent lines to show")
	f.BoolVarP(&eventsFollow, "follow", "f", false, "follow mode (like tail -f)")
	f.BoolVar(&eventsJSON, "json", false, "output raw JSON lines")
	f.StringVar(&eventsFilter.kind, "kind", "", "filter by event kind prefix (e.g. 'control')")
	f.StringVar(&eventsFilter.level, "level", "", "minimum level: debug, info, warn, error")
	f.StringVar(&eventsFilter.comp, "comp", "", "filter by component name")
	f.StringVar(&eventsFilter.ddID, "dd", "", "filter by project id")
	f.StringVar(&eventsFilter.runID, "run", "", "filter by run id")
}

// levelRank returns a numeric rank for filtering (higher = more severe).
func levelRank(level string) int {
	switch level {
	case "info":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	default:
		return 0
	}
}

func runEvents(cmd *cobra.Command, _ []string) error {
	path := cfg.Log.EventsFile
	if path == "" {
		return errors.New("event logging is disabled (log.events_file is empty)")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("event log not found at %s; run the dashboard first to generate events: %w", path, err)
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	for _, l := range readTailLines(f, eventsTail, eventsFilter.match) {
		fmt.Fprintln(out, formatEvent(l.ev, l.raw, eventsJSON))
	}
	if !eventsFollow {
		return nil
	}
	return followEvents(cmd.Context(), f, out, eventsFilter.match, eventsJSON)
}

// followEvents polls f for appended lines until ctx is done.
func followEvents(ctx context.Context, f io.Reader, out io.Writer, match func(eventRecord) bool, raw bool) error {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		line, err := reader.ReadBytes('\n')
		partial = append(partial, line...)
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return err
		}
		line, partial = trimLine(partial), nil
		if len(line) == 0 {
			continue
		}
		var ev eventRecord
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		if match(ev) {
			fmt.Fprintln(out, formatEvent(ev, line, raw))
		}
	}
}

func formatEvent(ev eventRecord, raw []byte, asJSON bool) string {
	if asJSON {
		return string(raw)
	}
	lvl := strings.ToUpper(ev.Level)
	if lvl == "" {
		lvl = "?"
	}
	parts := []string{fmt.Sprintf("%s %-5s [%-8s] %-22s", ev.Time.Local().Format("15:04:05.000"), lvl, ev.Comp, ev.Kind)}

	if ev.Msg != "" {
		parts = append(parts, "- "+ev.Msg)
	}
	if ev.Op != "" {
		parts = append(parts, "op="+ev.Op)
	}
	if ev.RunID != "" {
		parts = append(parts, "run="+ev.RunID)
	}
	if ev.Status != "" {
		parts = append(parts, "status="+ev.Status)
	}
	if ev.Pass != "" {
		parts = append(parts, "pass="+ev.Pass)
	}
	if ev.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", ev.Attempt))
	}
	if ev.DurMs > 0 {
		parts = append(parts, fmt.Sprintf("(%.*fms)", durPrecision(ev.DurMs), ev.DurMs))
	}
	if ev.Count > 0 {
		parts = append(parts, fmt.Sprintf("n=%d", ev.Count))
	}
	if ev.Err != "" {
		parts = append(parts, "err="+ev.Err)
	}
	return strings.Join(parts, " ")
}

type parsedLine struct {
	ev  eventRecord
	raw []byte
}

// readTailLines reads r to the end and returns the last n lines matching
// the filter.
func readTailLines(r io.Reader, n int, match func(eventRecord) bool) []parsedLine {
	if n <= 0 {
		n = 1
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	ring := make([]parsedLine, 0, n)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev eventRecord
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		if !match(ev) {
			continue
		}
		// scanner reuses its buffer
		rawCopy := make([]byte, len(raw))
		copy(rawCopy, raw)

		if len(ring) < n {
			ring = append(ring, parsedLine{ev: ev, raw: rawCopy})
		} else {
			copy(ring, ring[1:])
			ring[n-1] = parsedLine{ev: ev, raw: rawCopy}
		}
	}
	return ring
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func durPrecision(ms float64) int {
	if ms >= 100 {
		return 0
	}
	if ms >= 1 {
		return 1
	}
	return 2
}
