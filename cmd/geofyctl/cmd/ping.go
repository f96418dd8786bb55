package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/geofy/imagery-hooks/internal/api"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the imagery API is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.HealthResponse
		if err := callAPI(http.MethodGet, "/api/health", nil, &resp); err != nil {
			fmt.Printf("✗ Service is unreachable: %v\n", err)
			return nil
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("✓ Service is %s (version %s)\n", resp.Status, resp.Version)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
