package cmd

import (
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modplane/sink"
)

// NewEventsCommand creates the command that tails the events a running
// control plane publishes to Redis.
func NewEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream control plane events from the Redis sink",
		Long: `Events subscribes to the Redis channel the control plane publishes
CloudEvents on and prints one JSON document per line. The address and
channel default to the sink section of the configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("redis")
			channel, _ := cmd.Flags().GetString("channel")
			if addr == "" || channel == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if addr == "" {
					addr = cfg.Sink.RedisAddr
				}
				if channel == "" {
					channel = cfg.Sink.Channel
				}
			}
			if addr == "" {
				return fmt.Errorf("no Redis address: set --redis or sink.redis_addr")
			}
			if channel == "" {
				channel = sink.DefaultChannel
			}

			client := redis.NewClient(&redis.Options{Addr: addr})
			defer client.Close()

			out := cmd.OutOrStdout()
			return sink.Follow(cmd.Context(), client, channel, func(e cloudevents.Event) error {
				line, err := json.Marshal(e)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(line))
				return err
			})
		},
	}
	cmd.Flags().String("redis", "", "Redis address, e.g. localhost:6379")
	cmd.Flags().String("channel", "", "Redis channel")
	return cmd
}
