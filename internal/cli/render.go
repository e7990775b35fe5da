package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/session"
)

func colorStatus(status models.Status) string {
	switch status {
	case models.StatusWaiting:
		return color.New(color.FgWhite).Sprint(status)
	case models.StatusClaimed:
		return color.New(color.FgCyan).Sprint(status)
	case models.StatusCalled:
		return color.New(color.FgHiYellow, color.Bold).Sprint(status)
	case models.StatusServed:
		return color.New(color.FgHiGreen).Sprint(status)
	case models.StatusSkipped:
		return color.New(color.FgRed).Sprint(status)
	case models.StatusReleased:
		return color.New(color.FgHiBlack).Sprint(status)
	default:
		return color.New(color.FgHiBlack).Sprint("-")
	}
}

func colorOutcome(outcome dispatch.Outcome, message string) string {
	switch outcome {
	case dispatch.OutcomeOK:
		return color.New(color.FgHiGreen).Sprintf("✓ %s", message)
	case dispatch.OutcomeEmpty:
		return color.New(color.FgYellow).Sprintf("∅ %s", message)
	case dispatch.OutcomeConflict:
		return color.New(color.FgYellow).Sprintf("⚠ %s", message)
	default:
		return color.New(color.FgRed).Sprintf("✗ %s", message)
	}
}

func queueNumber(n int64) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("#%d", n)
}

func printTicket(w io.Writer, ticket models.Ticket) {
	counter := ticket.CounterName
	if counter == "" && ticket.CounterID != nil {
		counter = *ticket.CounterID
	}
	if counter == "" {
		counter = "-"
	}
	fmt.Fprintf(w, "%s %s  counter: %s  issued: %s\n",
		color.New(color.Bold).Sprint(queueNumber(ticket.QueueNumber)), colorStatus(ticket.Status), counter, ticket.IssueDay)
}

func printTickets(w io.Writer, tickets []models.Ticket) {
	if len(tickets) == 0 {
		fmt.Fprintln(w, "No tickets.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NUMBER\tSTATUS\tCOUNTER\tISSUED")
	for _, ticket := range tickets {
		counter := ticket.CounterName
		if counter == "" {
			counter = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", queueNumber(ticket.QueueNumber), ticket.Status, counter, ticket.IssueDay)
	}
	_ = tw.Flush()
}

func printQueues(w io.Writer, queues []models.CurrentQueue, highlight string) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No counters.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COUNTER\tNUMBER\tSTATUS")
	for _, queue := range queues {
		name := queue.CounterName
		if queue.CounterID == highlight {
			name += " ←"
		}
		status := string(queue.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, queueNumber(queue.QueueNumber), status)
	}
	_ = tw.Flush()
}

// renderSnapshot draws the watch view for one session snapshot.
func renderSnapshot(snapshot session.Snapshot) string {
	var b strings.Builder
	header := color.New(color.FgHiBlue, color.Bold).Sprintf("[%s]", snapshot.Counter.Name)
	if !snapshot.CounterActive {
		header += color.New(color.FgRed).Sprint(" inactive")
	}
	fmt.Fprintf(&b, "%s current %s %s", header, queueNumber(snapshot.Current.QueueNumber), colorStatus(snapshot.Current.Status))
	if snapshot.Busy {
		b.WriteString(color.New(color.FgHiBlack).Sprint(" …"))
	}
	b.WriteString("\n")
	printQueues(&b, snapshot.Queues, snapshot.CounterID)
	if snapshot.SyncError != "" {
		b.WriteString(color.New(color.FgRed).Sprintf("sync error: %s\n", snapshot.SyncError))
	}
	if snapshot.Message != "" {
		b.WriteString(colorOutcome(snapshot.LastOutcome, snapshot.Message))
		b.WriteString("\n")
	}
	b.WriteString(actionHint(snapshot))
	return b.String()
}

func actionHint(snapshot session.Snapshot) string {
	actions := []string{"[n]ext"}
	if snapshot.CanSkip() {
		actions = append(actions, "[s]kip", "[d]one")
	}
	if snapshot.CanRelease() {
		actions = append(actions, "[r]elease")
	}
	actions = append(actions, "re[f]resh", "[q]uit")
	return color.New(color.FgHiBlack).Sprintln(strings.Join(actions, " "))
}
