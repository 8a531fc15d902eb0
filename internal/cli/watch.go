package cli

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/embedctl/internal/events"
	"github.com/spf13/cobra"
)

var (
	watchServer string
	watchJSON   bool
	watchJob    string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the event feed of a running relay",
	Long: `Attach to the event feed of a relay started with "embedctl serve" and
print every event. Events queued while no one was watching are printed first.

Examples:
  embedctl watch
  embedctl watch --server http://host:8484 --job a1b2c3d4
  embedctl watch --json | jq .`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8484", "relay base URL")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print raw JSON events")
	watchCmd.Flags().StringVar(&watchJob, "job", "", "only events of this job")
}

// eventsURL turns a relay base URL into its websocket feed URL.
func eventsURL(base string) string {
	u := strings.TrimSuffix(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/events"
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, eventsURL(watchServer), nil)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if watchJob != "" && e.JobID != watchJob {
			continue
		}
		if watchJSON {
			if err := enc.Encode(e); err != nil {
				return err
			}
			continue
		}
		fmt.Println(formatEvent(e))
	}
}

// formatEvent renders one event as a single line.
func formatEvent(e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-24s", e.Time.Local().Format("15:04:05.000"), e.Kind)
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	if e.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", e.TaskID)
	}
	if e.ChunkID != "" {
		fmt.Fprintf(&b, " chunk=%s", e.ChunkID)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Data)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	return b.String()
}
