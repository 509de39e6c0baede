package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Provision and inspect queues",
	}
	cmd.AddCommand(newQueueCreateCommand(c))
	cmd.AddCommand(newQueueClearCommand(c))
	cmd.AddCommand(newQueueCountCommand(c))
	cmd.AddCommand(newQueueShardsCommand(c))
	cmd.AddCommand(newQueueMembersCommand(c))
	return cmd
}

func queueArg(args []string) (string, error) {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return "", fmt.Errorf("queue is required")
	}
	return name, nil
}

func newQueueCreateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "create <queue>",
		Short: "Create a queue with the configured shard count, lease timeout and attempt limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			mode, err := c.output()
			if err != nil {
				return err
			}
			broker, _, err := c.openBroker(cmd)
			if err != nil {
				return err
			}
			defer broker.Close()
			m, err := broker.CreateQueue(cmd.Context(), name)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue=%s shards=%d lease_timeout=%s max_attempts=%d\n",
				m.Name, m.Shards, m.LeaseTimeout(), m.MaxAttempts)
			return nil
		},
	}
}

func newQueueClearCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <queue>",
		Short: "Delete every message in a queue (dead letters are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			mode, err := c.output()
			if err != nil {
				return err
			}
			broker, _, err := c.openBroker(cmd)
			if err != nil {
				return err
			}
			defer broker.Close()
			q, err := broker.Queue(name)
			if err != nil {
				return err
			}
			removed, err := q.Clear(cmd.Context())
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"queue": name, "removed": removed})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed=%d\n", removed)
			return nil
		},
	}
}

func newQueueCountCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "count <queue>",
		Short: "Count the messages stored in a queue, leased ones included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			mode, err := c.output()
			if err != nil {
				return err
			}
			broker, _, err := c.openBroker(cmd)
			if err != nil {
				return err
			}
			defer broker.Close()
			q, err := broker.Queue(name)
			if err != nil {
				return err
			}
			n, err := q.MessageCount(cmd.Context())
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"queue": name, "count": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return nil
		},
	}
}

func newQueueShardsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "shards <queue>",
		Short: "Show the message count of every shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			mode, err := c.output()
			if err != nil {
				return err
			}
			broker, _, err := c.openBroker(cmd)
			if err != nil {
				return err
			}
			defer broker.Close()
			q, err := broker.Queue(name)
			if err != nil {
				return err
			}
			counts, err := q.ShardCounts(cmd.Context())
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), counts)
			}
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", k, counts[k])
			}
			return nil
		},
	}
}

func newQueueMembersCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "members <queue>",
		Short: "List consumers with a live membership heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			mode, err := c.output()
			if err != nil {
				return err
			}
			broker, _, err := c.openBroker(cmd)
			if err != nil {
				return err
			}
			defer broker.Close()
			q, err := broker.Queue(name)
			if err != nil {
				return err
			}
			members, err := q.Members(cmd.Context())
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), members)
			}
			for _, m := range members {
				fmt.Fprintf(cmd.OutOrStdout(), "%s expires_in=%s\n", m.ID, time.Until(m.ExpiresAt).Round(time.Second))
			}
			return nil
		},
	}
}
