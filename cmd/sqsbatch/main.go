package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	mmatesqs "github.com/glimte/mmate-sqs"
	"github.com/glimte/mmate-sqs/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	envFile     string
	verbose     bool
	destination string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "sqsbatch",
		Short: "Plan, send and receive mmate envelopes on SQS",
		Long: `sqsbatch reads newline delimited JSON messages, wraps them in mmate envelopes
and sends them in SQS batches. Configuration is read from MMATE_* environment
variables and an optional .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Environment file to load")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&flags.destination, "queue", "q", "", "Queue URL for messages without a destination")

	rootCmd.AddCommand(
		newPlanCommand(&flags),
		newSendCommand(&flags),
		newPollCommand(&flags),
		newHealthCommand(&flags),
	)

	return rootCmd
}

func newPlanCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [file]",
		Short: "Show how messages would be batched without sending them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := newClient(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			ops, err := loadOperations(cmd, args, flags.destination)
			if err != nil {
				return err
			}

			entries, err := client.Plan(ctx, ops...)
			if err != nil {
				return fmt.Errorf("failed to plan batches: %w", err)
			}

			printBatches(cmd.OutOrStdout(), entries)
			return nil
		},
	}
}

func newSendCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send [file]",
		Short: "Send messages in batches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := newClient(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			ops, err := loadOperations(cmd, args, flags.destination)
			if err != nil {
				return err
			}

			start := time.Now()
			err = client.Dispatch(ctx, ops...)
			stats := client.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d messages in %d batches (%d failed, %d offloaded) in %s\n",
				stats.MessagesSent, stats.BatchesSent, stats.BatchesFailed, stats.BodiesOffloaded,
				time.Since(start).Round(time.Millisecond))
			return err
		},
	}
}

func newPollCommand(flags *globalFlags) *cobra.Command {
	var (
		maxMessages int32
		wait        time.Duration
		ack         bool
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Receive messages and print their envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.destination == "" {
				return fmt.Errorf("--queue is required")
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := newClient(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			msgs, err := client.Poll(ctx, flags.destination, maxMessages, wait)
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), m)
				if ack {
					if aerr := client.Ack(ctx, flags.destination, m); aerr != nil {
						return aerr
					}
				} else {
					m.Release()
				}
			}
			return err
		},
	}

	cmd.Flags().Int32VarP(&maxMessages, "max", "n", 10, "Maximum number of messages (1-10)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 5*time.Second, "Long poll wait time (max 20s)")
	cmd.Flags().BoolVar(&ack, "ack", false, "Delete messages after printing them")

	return cmd
}

func newHealthCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health [queue-url...]",
		Short: "Check that queues and the body bucket are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			queues := args
			if flags.destination != "" {
				queues = append(queues, flags.destination)
			}
			client, err := newClient(ctx, flags, mmatesqs.WithHealthQueues(queues...))
			if err != nil {
				return err
			}
			defer client.Close()

			checkCtx, checkCancel := context.WithTimeout(ctx, timeout)
			defer checkCancel()
			result := client.Health(checkCtx)

			printHealth(cmd.OutOrStdout(), result)
			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for all checks")

	return cmd
}

func newClient(ctx context.Context, flags *globalFlags, extra ...mmatesqs.ClientOption) (*mmatesqs.Client, error) {
	if err := mmatesqs.LoadEnv(flags.envFile); err != nil {
		return nil, err
	}
	cfg, err := mmatesqs.ConfigFromEnv()
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := mmatesqs.NewClient(ctx, append(cfg.Options(logger), extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func loadOperations(cmd *cobra.Command, args []string, destination string) ([]mmatesqs.TransportOperation, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return readOperations(r, destination)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printBatches(w io.Writer, entries []mmatesqs.BatchEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tDESTINATION\tMESSAGES\tBYTES\tMESSAGE IDS")
	for i, e := range entries {
		ids := make([]string, 0, len(e.Items))
		for _, item := range e.Items {
			ids = append(ids, item.Message.MessageID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", i+1, e.Destination, len(e.Items), e.Size(), strings.Join(ids, ","))
	}
	tw.Flush()
}

func printMessage(w io.Writer, m *mmatesqs.IncomingMessage) {
	fmt.Fprintf(w, "message %s (native %s)\n", m.MessageID, m.NativeMessageID)
	for _, k := range slices.Sorted(maps.Keys(m.Headers)) {
		fmt.Fprintf(w, "  %s: %s\n", k, m.Headers[k])
	}
	fmt.Fprintf(w, "  body: %s\n", m.Body())
}

func printHealth(w io.Writer, result health.OverallHealth) {
	fmt.Fprintf(w, "status: %s (%s)\n", result.Status, result.Duration.Round(time.Millisecond))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE\tERROR")
	for _, name := range slices.Sorted(maps.Keys(result.Checks)) {
		c := result.Checks[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, c.Status, c.Message, c.Error)
	}
	tw.Flush()
}
