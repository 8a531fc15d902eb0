package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var healthMetrics bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the embedding service is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		healthy := deps.Commands.Health(cmd.Context())
		fmt.Printf("Service: %s (%s)\n", deps.Client.BaseURL(), status(healthy))
		fmt.Printf("Push channel: %s\n", deps.Commands.ConnectionState())
		if deps.HistoryEnabled() {
			fmt.Println("Job history: enabled")
		}

		if healthMetrics {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(deps.Commands.Metrics()); err != nil {
				return err
			}
		}

		if !healthy {
			return fmt.Errorf("service unhealthy")
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthMetrics, "metrics", false, "also print request timing metrics")
}

func status(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unreachable"
}
