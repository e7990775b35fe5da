package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"qms/dispatch-service/internal/client"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

func issueCmd(opts *options) *cobra.Command {
	var requestID string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new waiting ticket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ticket, err := opts.client().Issue(cmd.Context(), requestID)
			if err != nil {
				return err
			}
			printTicket(cmd.OutOrStdout(), ticket)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key; repeating it returns the same ticket")
	return cmd
}

func nextCmd(opts *options) *cobra.Command {
	var counterRef, requestID string

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim and call the next waiting ticket for a counter",
		Long: `Claim the oldest waiting ticket for the counter and mark it called.

An empty pool is reported, not treated as an error. Retrying with the same
--request-id returns the ticket of the first attempt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			api := opts.client()
			counter, err := resolveCounter(ctx, api, counterRef)
			if err != nil {
				return err
			}
			ticket, err := api.ClaimNext(ctx, counter.CounterID, requestID)
			out := cmd.OutOrStdout()
			switch dispatch.Classify(err) {
			case dispatch.OutcomeOK:
				printTicket(out, ticket)
				return nil
			case dispatch.OutcomeEmpty:
				fmt.Fprintln(out, colorOutcome(dispatch.OutcomeEmpty, "no waiting ticket"))
				return nil
			default:
				return err
			}
		},
	}
	cmd.Flags().StringVarP(&counterRef, "counter", "c", "", "counter id or name")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key for safe retries")
	return cmd
}

type ticketAction func(*client.Client, context.Context, string, int64) (models.Ticket, error)

func ticketActionCmd(opts *options, use, short string, action ticketAction) *cobra.Command {
	var counterRef string

	cmd := &cobra.Command{
		Use:   use + " <queue-number>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseQueueNumber(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			api := opts.client()
			counter, err := resolveCounter(ctx, api, counterRef)
			if err != nil {
				return err
			}
			ticket, err := action(api, ctx, counter.CounterID, number)
			if errors.Is(err, store.ErrStateConflict) {
				return fmt.Errorf("ticket %s was already handled or belongs to another counter: %w", queueNumber(number), err)
			}
			if err != nil {
				return err
			}
			printTicket(cmd.OutOrStdout(), ticket)
			return nil
		},
	}
	cmd.Flags().StringVarP(&counterRef, "counter", "c", "", "counter id or name")
	return cmd
}

func listCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the most recent displayable tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tickets, err := opts.client().RecentTickets(cmd.Context())
			if err != nil {
				return err
			}
			printTickets(cmd.OutOrStdout(), tickets)
			return nil
		},
	}
}

func lookupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <queue-number|counter-name>",
		Short: "Find tickets by queue number or counter name",
		Long: `Find displayable tickets. A numeric query matches the queue number,
anything else matches counter names case-insensitively.

Examples:
  queuectl lookup 12
  queuectl lookup "counter a"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tickets, err := opts.client().Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(tickets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), color.New(color.FgYellow).Sprintf("No ticket matches %q.", args[0]))
				return nil
			}
			printTickets(cmd.OutOrStdout(), tickets)
			return nil
		},
	}
}

func historyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <ticket-id>",
		Short: "Show and verify the audit history of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.client().TicketHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, event := range events {
				fmt.Fprintf(out, "%3d  %s  %s\n", event.TicketSeq, event.CreatedAt.Format("2006-01-02 15:04:05"), event.Type)
			}
			if err := store.VerifyChain(events); err != nil {
				return err
			}
			fmt.Fprintln(out, color.New(color.FgHiGreen).Sprintf("✓ %d events, chain verified", len(events)))
			return nil
		},
	}
}
