package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show parley status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "parley %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Data:     %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:     %s\n", paths.Logs)
			fmt.Fprintln(out)

			// Load config
			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:   not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading: %v\n", err)
				return nil
			}

			fmt.Fprintf(out, "Gateway:  port=%d bind=%s auth=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.TLS.Enabled)
			fmt.Fprintf(out, "Storage:  %s\n", paths.Database(cfg.Storage))
			fmt.Fprintf(out, "Calls:    ring_timeout=%s max_participants=%d ice_servers=%d\n",
				cfg.Calls.RingTimeout(), cfg.Calls.MaxParticipants, len(cfg.Calls.ICEServers))
			fmt.Fprintf(out, "Blobs:    %s\n", describeBlobs(cfg.Blob))

			if k := cfg.Events.Kafka; k != nil {
				fmt.Fprintf(out, "Kafka:    brokers=%s topic=%s\n", strings.Join(k.Brokers, ","), k.Topic)
			} else {
				fmt.Fprintln(out, "Kafka:    (not configured)")
			}
			if r := cfg.Presence.Redis; r != nil {
				fmt.Fprintf(out, "Redis:    addr=%s db=%d ttl=%s\n", r.Addr, r.DB, r.TTL())
			} else {
				fmt.Fprintln(out, "Redis:    (not configured)")
			}
			if cfg.Metrics.Enabled {
				fmt.Fprintf(out, "Metrics:  %s\n", cfg.Metrics.Path)
			}

			fmt.Fprintf(out, "Server:   %s\n", checkHealth(cfg.Gateway))

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

func describeBlobs(cfg config.BlobConfig) string {
	if cfg.Store == "s3" && cfg.S3 != nil {
		return fmt.Sprintf("s3 bucket=%s region=%s", cfg.S3.Bucket, cfg.S3.Region)
	}
	dir := cfg.Local.Dir
	if dir == "" {
		dir = paths.Attachments
	}
	return "local " + dir
}

// checkHealth asks a locally running gateway for its health.
func checkHealth(gw config.GatewayConfig) string {
	scheme := "http"
	if gw.TLS.Enabled {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://127.0.0.1:%d/health", scheme, gw.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "not running"
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil || body.Status == "" {
		return fmt.Sprintf("responded %d", resp.StatusCode)
	}
	return body.Status + " (" + url + ")"
}
