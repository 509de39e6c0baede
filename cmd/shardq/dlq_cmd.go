package main

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"pkt.systems/shardq/internal/mq"
)

func newDLQCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and redrive dead-lettered messages",
	}
	cmd.AddCommand(newDLQListCommand(c))
	cmd.AddCommand(newDLQShowCommand(c))
	cmd.AddCommand(newDLQRedriveCommand(c))
	cmd.AddCommand(newDLQPurgeCommand(c))
	return cmd
}

func newDLQListCommand(c *cli) *cobra.Command {
	var limit int
	var startAfter string
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List dead letters in id order",
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
			letters, next, err := q.DeadLetters(cmd.Context(), limit, startAfter)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"dead_letters": letters, "next": next})
			}
			for _, dl := range letters {
				printDeadLetter(cmd.OutOrStdout(), dl)
			}
			if next != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "more: --start-after %s\n", next)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum dead letters per page")
	cmd.Flags().StringVar(&startAfter, "start-after", "", "resume after this id")
	return cmd
}

func printDeadLetter(out io.Writer, dl mq.DeadLetter) {
	fmt.Fprintf(out, "%s shard=%d priority=%d attempts=%d reason=%s at=%s bytes=%s\n",
		dl.ID, dl.Shard, dl.Priority, dl.Attempts, dl.Reason, formatTime(dl.DeadLetteredAt), humanizeBytes(dl.PayloadSize))
}

func newDLQShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <queue> <id>",
		Short: "Show one dead letter with its payload",
		Args:  cobra.ExactArgs(2),
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
			dl, payload, err := q.DeadLetterMessage(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			text := utf8.Valid(payload)
			if mode == outputJSON {
				view := map[string]any{"dead_letter": dl}
				switch {
				case payload == nil:
				case text:
					view["payload"] = string(payload)
				default:
					view["payload_base64"] = payload
				}
				return writeJSON(cmd.OutOrStdout(), view)
			}
			out := cmd.OutOrStdout()
			printDeadLetter(out, dl)
			switch {
			case payload == nil:
				fmt.Fprintln(out, "payload=<unreadable>")
			case text:
				fmt.Fprintf(out, "payload=%q\n", payload)
			default:
				fmt.Fprintf(out, "payload=<%d binary bytes>\n", len(payload))
			}
			return nil
		},
	}
}

func newDLQRedriveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <queue> <id>...",
		Short: "Move dead letters back into their shard with a fresh attempt count",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
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
			for _, id := range args[1:] {
				ref, err := q.Redrive(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ref.String())
			}
			return nil
		},
	}
}

func newDLQPurgeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete every dead letter of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
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
			n, err := q.PurgeDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged=%d\n", n)
			return nil
		},
	}
}
