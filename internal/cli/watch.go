package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/session"
)

func watchCmd(opts *options) *cobra.Command {
	var counterRef string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Operate a counter interactively",
		Long: `Bind to a counter and keep its view in sync with the service.

The view is polled every --poll-interval and refetched --refetch-delay after
each action. Type a command and press enter:
  n  claim and call the next ticket
  s  skip the called ticket
  d  mark the called ticket served
  r  release the current ticket
  f  refresh now
  q  quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			api := opts.client()
			counter, err := resolveCounter(ctx, api, counterRef)
			if err != nil {
				return err
			}

			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: color.NoColor}).
				Level(level).With().Timestamp().Logger()

			s := session.New(api, session.NewViews(opts.pollInterval, logger), logger, session.Options{
				PollInterval:   opts.pollInterval,
				RefetchDelay:   opts.refetchDelay,
				RequestTimeout: opts.timeout,
			})
			defer s.Close()
			return runWatch(ctx, s, counter.CounterID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&counterRef, "counter", "c", "", "counter id or name")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log session activity to stderr")
	return cmd
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) println(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, text)
}

func runWatch(ctx context.Context, s *session.Session, counterID string, in io.Reader, out io.Writer) error {
	w := &lockedWriter{w: out}
	updates, unsubscribe := s.Subscribe()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		last := ""
		for snapshot := range updates {
			if !snapshot.Selected() {
				continue
			}
			view := renderSnapshot(snapshot)
			if view == last {
				continue
			}
			last = view
			w.println(view)
		}
	}()
	defer func() {
		unsubscribe()
		<-rendered
	}()

	if err := s.Start(ctx); err != nil {
		return err
	}
	if err := s.Select(ctx, counterID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed: keep watching until interrupted
				lines = nil
				continue
			}
			if quit := handleWatchCommand(ctx, s, line, w); quit {
				return nil
			}
		}
	}
}

func handleWatchCommand(ctx context.Context, s *session.Session, line string, w *lockedWriter) bool {
	var (
		result session.Result
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return false
	case "n", "next":
		result, err = s.ClaimNext(ctx)
	case "s", "skip":
		result, err = s.Skip(ctx)
	case "d", "done", "serve":
		result, err = s.Serve(ctx)
	case "r", "release":
		result, err = s.Release(ctx, 0)
	case "f", "refresh":
		if err := s.Refresh(ctx); err != nil {
			w.println(colorOutcome(dispatch.OutcomeFailure, err.Error()))
		}
		return false
	case "q", "quit", "exit":
		return true
	default:
		w.println(actionHint(s.Snapshot()))
		return false
	}
	reportResult(w, result, err)
	return false
}

func reportResult(w *lockedWriter, result session.Result, err error) {
	switch {
	case err == nil:
		w.println(colorOutcome(dispatch.OutcomeOK, fmt.Sprintf("%s %s", queueNumber(result.Ticket.QueueNumber), result.Ticket.Status)))
	case errors.Is(err, session.ErrNothingToSkip),
		errors.Is(err, session.ErrNothingToRelease),
		errors.Is(err, session.ErrNothingToServe):
		w.println(colorOutcome(dispatch.OutcomeConflict, err.Error()))
	default:
		w.println(colorOutcome(dispatch.Classify(err), err.Error()))
	}
}
