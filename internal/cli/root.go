// Package cli implements queuectl, the operator command line for the
// dispatch service.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"qms/dispatch-service/internal/client"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/session"
)

const defaultAPIURL = "http://localhost:8080"

type options struct {
	apiURL       string
	timeout      time.Duration
	pollInterval time.Duration
	refetchDelay time.Duration
	noColor      bool
}

func (o *options) client() *client.Client {
	return client.New(o.apiURL, o.timeout)
}

// RootCmd returns the queuectl root command with every subcommand attached.
func RootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "queuectl",
		Short: "Operate counters of the queue dispatch service",
		Long: `queuectl talks to a running dispatch-service.

Counter commands accept a counter id or its name:
  queuectl next --counter "Counter A"
  queuectl watch --counter "Counter A"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	apiURL := os.Getenv("QMS_API_URL")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", apiURL, "dispatch-service base URL (env QMS_API_URL)")
	flags.DurationVar(&opts.timeout, "timeout", session.DefaultRequestTimeout, "per request timeout")
	flags.DurationVar(&opts.pollInterval, "poll-interval", session.DefaultPollInterval, "watch: current queue polling interval")
	flags.DurationVar(&opts.refetchDelay, "refetch-delay", session.DefaultRefetchDelay, "watch: delay before refetching after an action")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(countersCmd(opts))
	rootCmd.AddCommand(currentCmd(opts))
	rootCmd.AddCommand(metricsCmd(opts))
	rootCmd.AddCommand(issueCmd(opts))
	rootCmd.AddCommand(nextCmd(opts))
	rootCmd.AddCommand(ticketActionCmd(opts, "skip", "Skip a called ticket", (*client.Client).Skip))
	rootCmd.AddCommand(ticketActionCmd(opts, "release", "Return a claimed or called ticket", (*client.Client).Release))
	rootCmd.AddCommand(ticketActionCmd(opts, "serve", "Mark a called ticket served", (*client.Client).Serve))
	rootCmd.AddCommand(listCmd(opts))
	rootCmd.AddCommand(lookupCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))

	return rootCmd
}

// resolveCounter accepts a counter id or a case-insensitive counter name.
func resolveCounter(ctx context.Context, api *client.Client, value string) (models.Counter, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return models.Counter{}, fmt.Errorf("--counter is required")
	}
	counters, err := api.Counters(ctx, false)
	if err != nil {
		return models.Counter{}, err
	}
	for _, counter := range counters {
		if counter.CounterID == value || strings.EqualFold(counter.Name, value) {
			return counter, nil
		}
	}
	return models.Counter{}, fmt.Errorf("unknown counter %q", value)
}

func parseQueueNumber(raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid queue number %q", raw)
	}
	return n, nil
}
