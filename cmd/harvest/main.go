package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	collectorcmd "github.com/rzbill/harvest/internal/cmd/collector"
	"github.com/rzbill/harvest/internal/config"
	"github.com/rzbill/harvest/internal/queue"
	pebblestore "github.com/rzbill/harvest/internal/storage/pebble"
)

func main() {
	// .env is optional; explicit environment still wins
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest collector CLI",
		Long:  "Harvest consumes queued API collection messages, executes them, and persists batched results.",
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("HARVEST_CONFIG"), "Path to JSON or YAML config file")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newProduceCommand())
	rootCmd.AddCommand(newDLQCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	config.FromEnv(&cfg)
	return cfg, nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("http"); addr != "" {
				cfg.HTTPAddr = addr
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return collectorcmd.Run(ctx, cfg)
		},
	}
	cmd.Flags().String("http", "", "Ops HTTP listen address (overrides config)")
	return cmd
}

// exampleRequests mirror a typical inventory collection message.
var exampleRequests = []map[string]any{
	{
		"service":       "compute",
		"method":        "GET",
		"resource_path": "/subscriptions/{subscriptionId}/providers/Microsoft.Compute/virtualMachines",
		"parameters":    map[string]string{"subscriptionId": "00000000-0000-0000-0000-000000000000"},
	},
	{
		"service":       "network",
		"method":        "GET",
		"resource_path": "/subscriptions/{subscriptionId}/providers/Microsoft.Network/virtualNetworks",
		"parameters":    map[string]string{"subscriptionId": "00000000-0000-0000-0000-000000000000"},
	},
	{
		"service":       "storage",
		"method":        "GET",
		"resource_path": "/subscriptions/{subscriptionId}/providers/Microsoft.Storage/storageAccounts",
		"parameters":    map[string]string{"subscriptionId": "00000000-0000-0000-0000-000000000000"},
		"query_params":  map[string]string{"$top": "100"},
	},
}

func newProduceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Enqueue example collection messages",
		Long:  "Writes example messages into the pebble queue. The collector must not be running against the same data directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Queue.Kind != "pebble" {
				return fmt.Errorf("produce requires queue.kind=pebble, got %q", cfg.Queue.Kind)
			}
			count, _ := cmd.Flags().GetInt("count")
			correlationID, _ := cmd.Flags().GetString("correlation-id")
			if correlationID == "" {
				correlationID = uuid.NewString()
			}

			db, err := pebblestore.Open(pebblestore.Options{
				DataDir: cfg.Queue.DataDir,
				Fsync:   pebblestore.FsyncModeAlways,
			})
			if err != nil {
				return fmt.Errorf("open queue db: %w", err)
			}
			defer db.Close()
			q := queue.OpenPebble(db, cfg.Queue.Name)

			ctx := cmd.Context()
			for i := 0; i < count; i++ {
				body, err := json.Marshal(map[string]any{
					"message_id":     uuid.NewString(),
					"correlation_id": correlationID,
					"api_requests":   exampleRequests,
				})
				if err != nil {
					return err
				}
				itemID, err := q.Enqueue(ctx, body)
				if err != nil {
					return err
				}
				fmt.Println("enqueued", itemID)
			}
			fmt.Printf("produced %d messages, correlation_id=%s\n", count, correlationID)
			return nil
		},
	}
	cmd.Flags().Int("count", 1, "Number of messages to enqueue")
	cmd.Flags().String("correlation-id", "", "Correlation id for the run (default: random)")
	return cmd
}

func newDLQCommand() *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter operations"}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered items from a running collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			resp, err := http.Get(fmt.Sprintf("%s/v1/dlq?limit=%d", apiURL(), limit))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				io.Copy(io.Discard, resp.Body)
				return fmt.Errorf("dlq list: %s", resp.Status)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	listCmd.Flags().Int("limit", 100, "Maximum entries to list")
	dlqCmd.AddCommand(listCmd)
	return dlqCmd
}

func apiURL() string {
	if v := os.Getenv("HARVEST_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
