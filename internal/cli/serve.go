package cli

import (
	"fmt"

	"github.com/raphaelgruber/embedctl/internal/api"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay for the job commands",
	Long: `Serve the job commands over HTTP until interrupted.

Routes:
  POST   /jobs               submit chunks ({"chunks":[{"chunk_id","text"}]})
  GET    /jobs               job history
  GET    /jobs/{id}          job progress
  GET    /jobs/{id}/result   embeddings of a finished job
  DELETE /jobs/{id}          stop and delete a job
  GET|POST|DELETE /connection  push channel state, connect, disconnect
  GET    /health             service reachability
  GET    /metrics            request timings
  GET    /events             websocket event feed
  /query                     GraphQL API (POST, GET, graphql-transport-ws)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.ServerPort
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		relay := api.New(deps.Commands, logger)
		return api.ListenAndServe(cmd.Context(), fmt.Sprintf(":%d", port), relay, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default from config, 8484)")
}
