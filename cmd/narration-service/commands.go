package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/natsconn"
	"github.com/book-expert/narration-service/internal/worker"
)

const requestTimeout = 30 * time.Second

var errNATSNotConfigured = errors.New("nats.url is not configured")

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "narration-service",
		Short:         "Cached text-to-speech narration for books and courses",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newSubmitCommand(),
		newStatusCommand(),
		newCancelCommand(),
		newLedgerCommand(),
		newConfigCommand(),
	)

	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the batch workers, the NATS request handlers and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newSubmitCommand() *cobra.Command {
	var (
		file    string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch job read from a JSON file (or stdin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := readSpec(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return withClient(cmd, timeout, func(client *worker.Client) error {
				ctx, cancel := contextFor(cmd, timeout)
				defer cancel()

				job, submitErr := client.Submit(ctx, spec)
				if submitErr != nil {
					return submitErr
				}

				return printJob(cmd.OutOrStdout(), job, asJSON)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON job spec (defaults to stdin)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", requestTimeout, "Request timeout")

	return cmd
}

func newStatusCommand() *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state of a batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, timeout, func(client *worker.Client) error {
				ctx, cancel := contextFor(cmd, timeout)
				defer cancel()

				job, err := client.Status(ctx, args[0])
				if err != nil {
					return err
				}

				return printJob(cmd.OutOrStdout(), job, asJSON)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", requestTimeout, "Request timeout")

	return cmd
}

func newCancelCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Stop a batch job from starting more items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, timeout, func(client *worker.Client) error {
				ctx, cancel := contextFor(cmd, timeout)
				defer cancel()

				job, err := client.Cancel(ctx, args[0])
				if err != nil {
					return err
				}

				return printJob(cmd.OutOrStdout(), job, false)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", requestTimeout, "Request timeout")

	return cmd
}

func newLedgerCommand() *cobra.Command {
	var (
		since   string
		until   string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Report cache hit rate and estimated savings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			window, err := parseWindow(since, until)
			if err != nil {
				return err
			}

			return withClient(cmd, timeout, func(client *worker.Client) error {
				ctx, cancel := contextFor(cmd, timeout)
				defer cancel()

				report, reportErr := client.Ledger(ctx, window)
				if reportErr != nil {
					return reportErr
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, report)
				}

				for _, line := range report.Lines() {
					fmt.Fprintln(out, line)
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only count jobs submitted at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only count jobs submitted before this RFC 3339 time")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", requestTimeout, "Request timeout")

	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(clientLogFile)
			if err != nil {
				return err
			}

			defer closeLogger(log)

			data, err := cfg.TOML()
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)
			if err != nil {
				return fmt.Errorf("failed to write configuration: %w", err)
			}

			return nil
		},
	}
}

// withClient connects to NATS with the loaded configuration and runs fn.
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(client *worker.Client) error) error {
	cfg, log, err := bootstrap(clientLogFile)
	if err != nil {
		return err
	}

	defer closeLogger(log)

	if cfg.NATS.URL == "" {
		return errNATSNotConfigured
	}

	natsConnection, _, err := natsconn.Connect(cfg.NATS.URL, clientName+"-cli", log)
	if err != nil {
		return err
	}

	defer natsConnection.Close()

	log.Info("CLI %s connected to %s (timeout %s)", cmd.Name(), cfg.NATS.URL, timeout)

	return fn(worker.NewClient(natsConnection, cfg.NATS.SubjectPrefix))
}

func contextFor(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func readSpec(file string, stdin io.Reader) (core.JobSpec, error) {
	reader := stdin

	if file != "" {
		handle, err := os.Open(file)
		if err != nil {
			return core.JobSpec{}, fmt.Errorf("failed to open job spec: %w", err)
		}

		defer func() { _ = handle.Close() }()

		reader = handle
	}

	var spec core.JobSpec

	err := json.NewDecoder(reader).Decode(&spec)
	if err != nil {
		return core.JobSpec{}, fmt.Errorf("failed to decode job spec: %w", err)
	}

	return spec, nil
}

func parseWindow(since, until string) (ledger.Window, error) {
	var window ledger.Window

	for _, bound := range []struct {
		value  string
		target *time.Time
	}{
		{value: since, target: &window.Since},
		{value: until, target: &window.Until},
	} {
		if bound.value == "" {
			continue
		}

		parsed, err := time.Parse(time.RFC3339, bound.value)
		if err != nil {
			return ledger.Window{}, fmt.Errorf("invalid time %q: %w", bound.value, err)
		}

		*bound.target = parsed
	}

	return window, nil
}

func printJob(out io.Writer, job core.BatchJob, asJSON bool) error {
	if asJSON {
		return writeJSON(out, job)
	}

	fmt.Fprintf(out, "Job %s (%s %s, priority %s)\n", job.ID, job.Kind, job.TargetID, job.Priority)
	fmt.Fprintf(out, "  status:     %s\n", job.Status)
	fmt.Fprintf(out, "  submitted:  %s\n", humanize.Time(job.SubmittedAt))
	fmt.Fprintf(out, "  items:      %d of %d resolved, %d from cache, %d failed\n",
		job.ResolvedCount(), len(job.Items), job.CacheHitCount, job.FailedCount)
	fmt.Fprintf(out, "  cost saved: %s\n", humanize.CommafWithDigits(job.CostSavedEstimate, 2))

	if job.CompletedAt != nil {
		fmt.Fprintf(out, "  finished:   %s\n", humanize.Time(*job.CompletedAt))
	}

	return nil
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	return nil
}
