package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/geofy/imagery-hooks/internal/api"
)

// captureCmd represents the capture command
var captureCmd = &cobra.Command{
	Use:   "capture [coordinates] [location-name]",
	Short: "Start an imagery capture job",
	Long: `Start a historical imagery capture job for a location. Coordinates are
given as "latitude,longitude".

Example:
  geofyctl capture "40.7128,-74.0060" "New York, NY" --callback-url https://example.com/webhook`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.CaptureRequest{
			Coordinates:  args[0],
			LocationName: args[1],
		}
		req.CallbackURL, _ = cmd.Flags().GetString("callback-url")
		if cmd.Flags().Changed("zoom") {
			zoom, _ := cmd.Flags().GetInt("zoom")
			req.ZoomLevel = &zoom
		}

		var resp api.CaptureResponse
		if err := callAPI(http.MethodPost, "/api/capture", req, &resp); err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Started capture job: %s\n", resp.JobID)
			fmt.Printf("  Status: %s\n", resp.Status)
			fmt.Printf("  Estimated time: %s\n", resp.EstimatedTime)
		}

		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get the status of a capture job",
	Long: `Get the current status and progress of a capture job.

Example:
  geofyctl status 1f0e...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.JobStatusResponse
		if err := callAPI(http.MethodGet, "/api/status/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to get job status: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Job %s:\n", resp.JobID)
			fmt.Printf("  Status: %s\n", resp.Status)
			fmt.Printf("  Progress: %d%%\n", resp.Progress)
			fmt.Printf("  Started: %s\n", timeOrDash(resp.StartTime))
			if resp.CompletedAt != nil {
				fmt.Printf("  Completed: %s\n", timeOrDash(*resp.CompletedAt))
			}
			if resp.Error != "" {
				fmt.Printf("  Error: %s\n", resp.Error)
			}
		}

		return nil
	},
}

// imageryCmd represents the imagery command
var imageryCmd = &cobra.Command{
	Use:   "imagery [job-id]",
	Short: "Fetch the results of a completed capture job",
	Long: `Fetch the captured images and AI analysis for a completed job.

Example:
  geofyctl imagery 1f0e... --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.ImageryResponse
		if err := callAPI(http.MethodGet, "/api/imagery/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to get imagery: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Imagery for job %s (%s at %s):\n", resp.JobID, resp.Location, resp.Coordinates)
			if resp.ProcessingTime != "" {
				fmt.Printf("  Processing time: %s\n", resp.ProcessingTime)
			}
			if len(resp.Images) == 0 {
				fmt.Println("  No images captured")
			}
			for _, img := range resp.Images {
				fmt.Printf("\n  Year %d (%s):\n", img.Year, img.CaptureDate)
				fmt.Printf("    Image: %s\n", img.ImageURL)
				if img.ThumbnailURL != "" {
					fmt.Printf("    Thumbnail: %s\n", img.ThumbnailURL)
				}
			}
			if len(resp.AIAnalysis) > 0 {
				fmt.Printf("\n  AI analysis: %s\n", string(resp.AIAnalysis))
			}
		}

		return nil
	},
}

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent capture jobs",
	Long: `List recent capture jobs, newest first.

Example:
  geofyctl jobs --status completed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
		path := "/api/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var jobs []api.JobStatusResponse
		if err := callAPI(http.MethodGet, path, nil, &jobs); err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		if outputJSON {
			printOutput(jobs)
		} else {
			if len(jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-10s  %3d%%  %s\n", j.JobID, j.Status, j.Progress, timeOrDash(j.StartTime))
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(imageryCmd)
	rootCmd.AddCommand(jobsCmd)

	// Flags for capture command
	captureCmd.Flags().Int("zoom", 0, "zoom level (0-23, default 18)")
	captureCmd.Flags().String("callback-url", "", "https URL to deliver job webhooks to")

	// Flags for jobs command
	jobsCmd.Flags().String("status", "", "filter by job status")
	jobsCmd.Flags().Int("limit", 0, "maximum number of results")
}
