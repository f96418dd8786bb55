package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/geofy/imagery-hooks/internal/api"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Manage webhook deliveries",
	Long:  `Inspect delivery status and attempt history, cancel pending deliveries, and replay finished ones.`,
}

// deliveryListCmd represents the delivery list command
var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook deliveries",
	Long: `List webhook deliveries, newest first.

Example:
  geofyctl delivery list --job-id 1f0e... --status pending`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job-id")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if jobID != "" {
			q.Set("jobId", jobID)
		}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
		path := "/api/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var deliveries []api.DeliveryResponse
		if err := callAPI(http.MethodGet, path, nil, &deliveries); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		if outputJSON {
			printOutput(deliveries)
		} else {
			if len(deliveries) == 0 {
				fmt.Println("No deliveries found")
				return nil
			}
			for _, d := range deliveries {
				fmt.Printf("%s  %-16s  %-13s  attempts=%d  %s\n",
					d.ID, d.EventType, d.Status, d.AttemptCount, timeOrDash(d.CreatedAt))
			}
		}

		return nil
	},
}

// deliveryGetCmd represents the delivery get command
var deliveryGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show a delivery and its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var detail api.DeliveryDetailResponse
		if err := callAPI(http.MethodGet, "/api/deliveries/"+url.PathEscape(args[0]), nil, &detail); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}

		if outputJSON {
			printOutput(detail)
		} else {
			printDelivery(detail.DeliveryResponse)
			if len(detail.Attempts) == 0 {
				fmt.Println("\n  No attempts yet")
				return nil
			}
			for _, a := range detail.Attempts {
				fmt.Printf("\n  Attempt %d:\n", a.AttemptNumber)
				fmt.Printf("    Started: %s\n", timeOrDash(a.StartedAt))
				fmt.Printf("    Duration: %dms\n", a.DurationMS)
				fmt.Printf("    Outcome: %s\n", a.Outcome)
				if a.HTTPStatus > 0 {
					fmt.Printf("    HTTP status: %d\n", a.HTTPStatus)
				}
				if a.RetryAfterSec > 0 {
					fmt.Printf("    Retry-After: %ds\n", a.RetryAfterSec)
				}
				if a.Error != "" {
					fmt.Printf("    Error: %s\n", a.Error)
				}
			}
		}

		return nil
	},
}

// deliveryCancelCmd represents the delivery cancel command
var deliveryCancelCmd = &cobra.Command{
	Use:   "cancel [delivery-id]",
	Short: "Cancel a pending delivery",
	Long: `Cancel a pending delivery so no further attempts are made.

Example:
  geofyctl delivery cancel 7c1d... --reason "endpoint decommissioned"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		var resp api.DeliveryResponse
		err := callAPI(http.MethodPost, "/api/deliveries/"+url.PathEscape(args[0])+"/cancel",
			reasonBody(reason), &resp)
		if err != nil {
			return fmt.Errorf("failed to cancel delivery: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Cancelled delivery: %s\n", resp.ID)
			printDelivery(resp)
		}

		return nil
	},
}

// deliveryReplayCmd represents the delivery replay command
var deliveryReplayCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Replay a delivery",
	Long: `Replay a delivery by cloning it into a fresh pending delivery with the
same payload.

Example:
  geofyctl delivery replay 7c1d... --reason "endpoint was down"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		var resp api.DeliveryResponse
		err := callAPI(http.MethodPost, "/api/deliveries/"+url.PathEscape(args[0])+"/replay",
			reasonBody(reason), &resp)
		if err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Replayed as delivery: %s\n", resp.ID)
			fmt.Printf("  Replay of: %s\n", resp.ReplayOf)
			printDelivery(resp)
		}

		return nil
	},
}

// reasonBody builds the request body for cancel and replay. Nil keeps the
// server-side default reason.
func reasonBody(reason string) interface{} {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}

func printDelivery(d api.DeliveryResponse) {
	fmt.Printf("  Job ID: %s\n", d.JobID)
	fmt.Printf("  Event type: %s\n", d.EventType)
	fmt.Printf("  Callback URL: %s\n", d.CallbackURL)
	fmt.Printf("  Status: %s\n", d.Status)
	fmt.Printf("  Attempts: %d\n", d.AttemptCount)
	fmt.Printf("  Next attempt: %s\n", timeOrDash(d.NextAttemptAt))
	if d.LastError != "" {
		fmt.Printf("  Last error: %s\n", d.LastError)
	}
	if d.ReplayOf != "" {
		fmt.Printf("  Replay of: %s\n", d.ReplayOf)
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryListCmd)
	deliveryCmd.AddCommand(deliveryGetCmd)
	deliveryCmd.AddCommand(deliveryCancelCmd)
	deliveryCmd.AddCommand(deliveryReplayCmd)

	// Flags for list command
	deliveryListCmd.Flags().String("job-id", "", "filter by capture job ID")
	deliveryListCmd.Flags().String("status", "", "filter by delivery status")
	deliveryListCmd.Flags().Int("limit", 0, "maximum number of results")

	// Flags for cancel and replay commands
	deliveryCancelCmd.Flags().String("reason", "", "reason for cancelling the delivery")
	deliveryReplayCmd.Flags().String("reason", "", "reason for replaying the delivery")
}
