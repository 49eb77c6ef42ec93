// distq-worker runs the dispatch stack from the command line: a
// long-lived worker instance, a one-shot envelope enqueuer for
// operational pokes, and a health probe for readiness scripts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/renable/distq"
	"github.com/renable/distq/contracts"
	"github.com/renable/distq/dispatch"
	"github.com/renable/distq/health"
)

var (
	version = "dev"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "distq-worker",
		Short:   "Run and operate the distq dispatch worker",
		Version: version,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd(&verbose), enqueueCmd(&verbose), healthCmd(&verbose))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newClient(ctx context.Context, verbose bool) (*distq.Client, error) {
	logger := newLogger(verbose)
	slog.SetDefault(logger)
	return distq.NewClient(ctx, distq.WithLogger(logger))
}

func runCmd(verbose *bool) *cobra.Command {
	var healthInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker until interrupted",
		Long: `Starts the queue consumers, the dead-letter consumer, and the
scheduler bridge, then blocks until SIGINT or SIGTERM. Configuration
comes from the DISTQ_* environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := newClient(ctx, *verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			// A worker with no handlers of its own still drains and
			// retries; the echo handler gives operators a target for
			// smoke-testing the pipeline end to end.
			if err := client.RegisterFunc("diag.Echo", echoHandler, dispatch.WithDurability(contracts.DurabilityJournal)); err != nil {
				return err
			}

			if err := client.Start(ctx); err != nil {
				return err
			}

			ticker := time.NewTicker(healthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					slog.Info("shutting down")
					return nil
				case <-ticker.C:
					overall := client.Health().Check(ctx)
					if overall.Status != health.StatusHealthy {
						slog.Warn("health degraded", "status", overall.Status)
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&healthInterval, "health-interval", time.Minute, "how often to log health status")
	return cmd
}

func echoHandler(ctx context.Context, args dispatch.Args) error {
	fields := make([]any, 0, len(args)*2)
	for i, raw := range args {
		fields = append(fields, fmt.Sprintf("arg%d", i), string(raw))
	}
	slog.Info("echo", fields...)
	return nil
}

func enqueueCmd(verbose *bool) *cobra.Command {
	var (
		durability string
		delay      string
		queue      string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <handlerID> [argJSON...]",
		Short: "Send one envelope to the work queue",
		Long: `Builds an envelope for the given handler id with the given JSON
arguments and sends it directly over the configured transport. The
handler does not need to be registered locally; the consuming worker
resolves it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			payload := make([]json.RawMessage, 0, len(args)-1)
			for _, arg := range args[1:] {
				if !json.Valid([]byte(arg)) {
					return fmt.Errorf("argument %q is not valid JSON", arg)
				}
				payload = append(payload, json.RawMessage(arg))
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return err
			}

			d := contracts.Durability(durability)
			if !d.Valid() {
				return fmt.Errorf("invalid durability %q", durability)
			}

			client, err := newClient(ctx, *verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			destination := queue
			if destination == "" {
				if destination, err = client.Dispatcher().Queue(); err != nil {
					return err
				}
			}

			resolved, err := dispatch.ResolveDelay(delay, dispatch.DefaultMaxRandomDelay, dispatch.EnvResolver{})
			if err != nil {
				return fmt.Errorf("invalid delay %q: %w", delay, err)
			}

			env := contracts.NewEnvelope(args[0], body, d)
			if err := client.Transport().Send(ctx, destination, env, resolved); err != nil {
				return err
			}
			fmt.Printf("enqueued %s to %s (envelope %s)\n", args[0], destination, env.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&durability, "durability", string(contracts.DurabilityTransient), "JOURNAL or TRANSIENT")
	cmd.Flags().StringVar(&delay, "delay", "", "delay spec: seconds, 'random', or ${placeholder}")
	cmd.Flags().StringVar(&queue, "queue", "", "override the destination queue")
	return cmd
}

func healthCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe broker connectivity and destination resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client, err := newClient(ctx, *verbose)
			if err != nil {
				return err
			}
			defer client.Close()

			overall := client.Health().Check(ctx)
			out, err := json.MarshalIndent(overall, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if overall.Status == health.StatusUnhealthy {
				return fmt.Errorf("unhealthy")
			}
			return nil
		},
	}
}
