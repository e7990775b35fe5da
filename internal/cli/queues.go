package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func countersCmd(opts *options) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "counters",
		Short: "List service counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			counters, err := opts.client().Counters(cmd.Context(), !all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(counters) == 0 {
				fmt.Fprintln(out, "No counters.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tACTIVE")
			for _, counter := range counters {
				active := color.New(color.FgHiGreen).Sprint("yes")
				if !counter.IsActive {
					active = color.New(color.FgHiBlack).Sprint("no")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", counter.CounterID, counter.Name, active)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive counters")
	return cmd
}

func currentCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the ticket each counter is working on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := opts.client().CurrentQueues(cmd.Context())
			if err != nil {
				return err
			}
			printQueues(cmd.OutOrStdout(), queues, "")
			return nil
		},
	}
}

func metricsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show ticket counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics, err := opts.client().Metrics(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "waiting:  %d\n", metrics.Waiting)
			fmt.Fprintf(out, "called:   %d\n", metrics.Called)
			fmt.Fprintf(out, "served:   %d\n", metrics.Served)
			fmt.Fprintf(out, "skipped:  %d\n", metrics.Skipped)
			fmt.Fprintf(out, "released: %d\n", metrics.Released)
			fmt.Fprintf(out, "active counters: %d\n", metrics.ActiveCounters)
			return nil
		},
	}
}
