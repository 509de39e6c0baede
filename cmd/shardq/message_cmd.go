package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"pkt.systems/shardq/internal/loggingutil"
	"pkt.systems/shardq/internal/mq"
)

// messageView is the JSON rendering of a claimed or peeked message.
type messageView struct {
	Queue          string `json:"queue"`
	ID             string `json:"id"`
	Shard          int    `json:"shard"`
	Priority       int    `json:"priority"`
	Receipt        string `json:"receipt,omitempty"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"max_attempts"`
	EnqueuedAt     string `json:"enqueued_at"`
	LeaseExpiresAt string `json:"lease_expires_at,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	PayloadBytes   int    `json:"payload_bytes"`
	Payload        string `json:"payload,omitempty"`
	PayloadBase64  []byte `json:"payload_base64,omitempty"`
}

func viewOf(msg *mq.Message, leased bool) messageView {
	v := messageView{
		Queue:        msg.Queue,
		ID:           msg.ID,
		Shard:        msg.Shard(),
		Priority:     msg.Priority(),
		Attempts:     msg.Attempts,
		MaxAttempts:  msg.MaxAttempts,
		EnqueuedAt:   formatTime(msg.EnqueuedAt),
		ContentType:  msg.ContentType,
		PayloadBytes: len(msg.Payload),
	}
	if leased {
		v.Receipt = msg.Receipt.String()
		v.LeaseExpiresAt = formatTime(msg.LeaseExpiry)
	}
	if utf8.Valid(msg.Payload) {
		v.Payload = string(msg.Payload)
	} else {
		v.PayloadBase64 = msg.Payload
	}
	return v
}

func printMessages(out io.Writer, mode outputMode, msgs []*mq.Message, leased bool) error {
	views := make([]messageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, viewOf(msg, leased))
	}
	if mode == outputJSON {
		return writeJSON(out, views)
	}
	for _, v := range views {
		ref := v.Receipt
		if !leased {
			ref = mq.MessageRef{Shard: v.Shard, Priority: v.Priority, ID: v.ID}.String()
		}
		payload := v.Payload
		if v.PayloadBase64 != nil {
			payload = fmt.Sprintf("<%d binary bytes>", v.PayloadBytes)
		}
		fmt.Fprintf(out, "%s attempts=%d/%d payload=%q\n", ref, v.Attempts, v.MaxAttempts, payload)
	}
	return nil
}

func newSendCommand(c *cli) *cobra.Command {
	var data string
	var payloadFile string
	var opts mq.SendOptions

	cmd := &cobra.Command{
		Use:   "send <queue>",
		Short: "Send a message to a queue",
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
			payload := []byte(data)
			if payloadFile != "" {
				payload, err = readPayload(cmd, payloadFile)
				if err != nil {
					return err
				}
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
			id, err := q.NewProducer().Send(cmd.Context(), payload, opts)
			if err != nil {
				return err
			}
			if mode == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"queue": name, "id": id, "bytes": len(payload)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "inline payload")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "read the payload from a file (- for stdin, overrides --data)")
	cmd.Flags().StringVar(&opts.ContentType, "content-type", "", "payload content type")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "hide the message for this long")
	cmd.Flags().IntVarP(&opts.Priority, "priority", "p", 0, fmt.Sprintf("priority 0-%d, higher is claimed first", mq.MaxPriority))
	cmd.Flags().StringVarP(&opts.RoutingKey, "routing-key", "k", "", "route by this key instead of round-robin")
	cmd.Flags().StringVar(&opts.MessageID, "id", "", "message id (makes the send idempotent)")
	return cmd
}

func readPayload(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}
	return data, nil
}

func newReadCommand(c *cli) *cobra.Command {
	var count int
	var wait time.Duration
	var opts mq.ConsumerOptions

	cmd := &cobra.Command{
		Use:   "read <queue>",
		Short: "Claim messages and print their receipts",
		Long: "Claims up to -n messages from the shards assigned to this consumer. " +
			"Each message is printed with its receipt (<shard>.<priority>.<id>.<token>), " +
			"which ack, nack and extend take.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("-n must be positive")
			}
			mode, err := c.output()
			if err != nil {
				return err
			}
			broker, logger, err := c.openBroker(cmd)
			if err != nil {
				return err
			}
			defer broker.Close()
			q, err := broker.Queue(name)
			if err != nil {
				return err
			}
			consumer, err := q.NewConsumer(opts)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := consumer.Close(ctx); err != nil {
					loggingutil.WithSubsystem(logger, "cli.read").Warn("leave member set failed", "consumer", consumer.ID(), "error", err)
				}
			}()
			var msgs []*mq.Message
			if wait > 0 {
				msgs, err = consumer.Poll(cmd.Context(), count, wait)
			} else {
				msgs, err = consumer.ReadMessages(cmd.Context(), count)
			}
			if len(msgs) > 0 {
				if perr := printMessages(cmd.OutOrStdout(), mode, msgs, true); perr != nil {
					return perr
				}
			} else if err == nil {
				if mode == outputJSON {
					return writeJSON(cmd.OutOrStdout(), []messageView{})
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "no messages available")
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "maximum messages to claim")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "long poll for up to this long when the queue is empty")
	cmd.Flags().DurationVar(&opts.LeaseTimeout, "lease", 0, "lease timeout (defaults to the queue setting)")
	cmd.Flags().StringVar(&opts.ID, "consumer", "", "consumer id (generated when empty)")
	cmd.Flags().IntSliceVar(&opts.Shards, "shard", nil, "read these shards only and skip membership")
	return cmd
}

func parseReceipts(args []string) ([]mq.Receipt, error) {
	receipts := make([]mq.Receipt, 0, len(args))
	for _, arg := range args {
		r, err := mq.ParseReceipt(strings.TrimSpace(arg))
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func newAckCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <queue> <receipt>...",
		Short: "Acknowledge claimed messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			receipts, err := parseReceipts(args[1:])
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
			for _, r := range receipts {
				if err := q.Ack(cmd.Context(), r); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", r.ID)
			}
			return nil
		},
	}
}

func newNackCommand(c *cli) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "nack <queue> <receipt>...",
		Short: "Release claimed messages back to the queue",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			receipts, err := parseReceipts(args[1:])
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
			for _, r := range receipts {
				if err := q.Release(cmd.Context(), r, delay); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", r.ID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "keep the message hidden for this long")
	return cmd
}

func newExtendCommand(c *cli) *cobra.Command {
	var lease time.Duration
	cmd := &cobra.Command{
		Use:   "extend <queue> <receipt>",
		Short: "Extend the lease of a claimed message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := queueArg(args)
			if err != nil {
				return err
			}
			r, err := mq.ParseReceipt(strings.TrimSpace(args[1]))
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
			next, err := q.ExtendLease(cmd.Context(), r, lease)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), next.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 0, "new lease timeout from now (defaults to the queue setting)")
	return cmd
}

func newPeekCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Show visible messages without claiming them",
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
			msgs, err := q.Peek(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), mode, msgs, false)
		},
	}
	cmd.Flags().IntVarP(&limit, "count", "n", 10, "maximum messages to show")
	return cmd
}
