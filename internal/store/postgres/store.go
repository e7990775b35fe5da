package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id::text, queue_number, issue_day, status, counter_id::text, request_id, created_at, called_at, finished_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, findErr := findTicketByRequestID(ctx, tx, input.RequestID)
		if err = findErr; err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	issueDay := models.IssueDayOf(createdAt)

	seq, err := nextQueueNumber(ctx, tx, issueDay)
	if err != nil {
		return models.Ticket{}, false, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, request_id, queue_number, issue_day, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+ticketColumns,
		uuid.NewString(), nullIfEmpty(input.RequestID), seq, issueDay, string(models.StatusWaiting), createdAt)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "ticket.issued", ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// ClaimNext binds the oldest waiting ticket to the counter and announces it.
// The counter row lock serializes claims of one counter; SKIP LOCKED lets
// other counters move past a ticket that is being claimed concurrently.
func (s *Store) ClaimNext(ctx context.Context, input store.ClaimNextInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, empty, findErr := findActionRequest(ctx, tx, store.ActionClaim, input.RequestID)
		if err = findErr; err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			if empty {
				return models.Ticket{}, false, store.ErrNoWaitingTicket
			}
			return existing, false, nil
		}
	}

	counter, err := lockCounter(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !counter.IsActive {
		err = store.ErrCounterInactive
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	nextID, err := lockNextWaiting(ctx, tx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = insertActionRequest(ctx, tx, store.ActionClaim, input.RequestID, input.CounterID, ""); err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoWaitingTicket
		}
		return models.Ticket{}, false, err
	}

	current, hasCurrent, err := lockWorkingTicket(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if hasCurrent {
		if !input.CompleteOnAdvance || current.Status != models.StatusCalled {
			err = store.ErrCounterBusy
			return models.Ticket{}, false, err
		}
		if _, err = finishTicket(ctx, tx, current, input.CounterID, store.ActionServe, calledAt); err != nil {
			return models.Ticket{}, false, err
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1, counter_id = $2
		WHERE ticket_id = $3 AND status = $4
		RETURNING `+ticketColumns,
		string(models.StatusClaimed), input.CounterID, nextID, string(models.StatusWaiting))
	claimed, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrUnexpectedState
		}
		return models.Ticket{}, false, err
	}
	if err = insertTicketEventFor(ctx, tx, store.EventType(store.ActionClaim), claimed); err != nil {
		return models.Ticket{}, false, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1, called_at = $2
		WHERE ticket_id = $3 AND status = $4
		RETURNING `+ticketColumns,
		string(models.StatusCalled), calledAt, nextID, string(models.StatusClaimed))
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.CounterName = counter.Name
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, store.ActionClaim, input.RequestID, input.CounterID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventType(store.ActionAnnounce), ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) SkipTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyAction(ctx, input, store.ActionSkip)
}

func (s *Store) ReleaseTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyAction(ctx, input, store.ActionRelease)
}

func (s *Store) ServeTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyAction(ctx, input, store.ActionServe)
}

func (s *Store) applyAction(ctx context.Context, input store.TicketActionInput, action string) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := lockTicketByNumber(ctx, tx, input.QueueNumber, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	ticket, err := finishTicket(ctx, tx, current, input.CounterID, action, occurredAt)
	if err != nil {
		return models.Ticket{}, err
	}
	if name, nameErr := counterName(ctx, tx, input.CounterID); nameErr == nil {
		ticket.CounterName = name
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// finishTicket moves a locked ticket bound to counterID out of its working
// state. The UPDATE repeats the status and counter predicates so a stale
// caller can never overwrite a newer transition.
func finishTicket(ctx context.Context, tx pgx.Tx, current models.Ticket, counterID, action string, occurredAt time.Time) (models.Ticket, error) {
	if current.CounterID == nil || *current.CounterID != counterID {
		if current.CounterID == nil {
			return models.Ticket{}, store.ErrUnexpectedState
		}
		return models.Ticket{}, store.ErrCounterMismatch
	}
	target, err := store.Apply(action, current.Status)
	if err != nil {
		return models.Ticket{}, store.ErrUnexpectedState
	}

	var counterValue interface{} = counterID
	if target == models.StatusReleased {
		counterValue = nil
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1, counter_id = $2, finished_at = $3
		WHERE ticket_id = $4 AND status = $5 AND counter_id = $6
		RETURNING `+ticketColumns,
		string(target), counterValue, occurredAt, current.TicketID, string(current.Status), counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrUnexpectedState
		}
		return models.Ticket{}, err
	}

	if err := insertOutboxEvent(ctx, tx, store.EventType(action), ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := s.pool.QueryRow(ctx, `
		SELECT counter_id::text, name, is_active
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context, activeOnly bool) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id::text, name, is_active
		FROM counters
		WHERE ($1 = FALSE OR is_active)
		ORDER BY name
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.Name, &counter.IsActive); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

// CurrentQueues reports, per counter, the latest ticket still bound to it.
func (s *Store) CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.counter_id::text, c.name, t.ticket_id::text, t.queue_number, t.status
		FROM counters c
		LEFT JOIN LATERAL (
			SELECT ticket_id, queue_number, status
			FROM tickets
			WHERE counter_id = c.counter_id
			ORDER BY COALESCE(finished_at, called_at, created_at) DESC, issue_day DESC, queue_number DESC
			LIMIT 1
		) t ON TRUE
		ORDER BY c.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.CurrentQueue
	for rows.Next() {
		var item models.CurrentQueue
		var ticketID sql.NullString
		var queueNumber sql.NullInt64
		var status sql.NullString
		if err := rows.Scan(&item.CounterID, &item.CounterName, &ticketID, &queueNumber, &status); err != nil {
			return nil, err
		}
		if ticketID.Valid {
			item.TicketID = ticketID.String
			item.QueueNumber = queueNumber.Int64
			item.Status = models.Status(status.String)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (s *Store) SearchTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `
		SELECT t.ticket_id::text, t.queue_number, t.issue_day, t.status, t.counter_id::text, t.request_id,
			t.created_at, t.called_at, t.finished_at, COALESCE(c.name, '')
		FROM tickets t
		LEFT JOIN counters c ON c.counter_id = t.counter_id
		WHERE TRUE`
	var args []interface{}
	argPos := 1

	if filter.QueueNumber > 0 {
		query += fmt.Sprintf(" AND t.queue_number = $%d", argPos)
		args = append(args, filter.QueueNumber)
		argPos++
	}
	if name := strings.TrimSpace(filter.CounterName); name != "" {
		query += fmt.Sprintf(` AND c.name ILIKE $%d ESCAPE '\'`, argPos)
		args = append(args, "%"+escapeLike(name)+"%")
		argPos++
	}
	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND t.status = ANY($%d)", argPos)
		args = append(args, statusStrings(filter.Statuses))
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY t.issue_day DESC, t.queue_number DESC LIMIT $%d", argPos)
	args = append(args, store.NormalizeLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicketWithCounter(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *Store) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	var metrics models.QueueMetrics
	row := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'WAITING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('CLAIMED', 'CALLED') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SERVED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SKIPPED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RELEASED' THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM counters WHERE is_active)
		FROM tickets
	`)
	if err := row.Scan(&metrics.Waiting, &metrics.Called, &metrics.Served, &metrics.Skipped, &metrics.Released, &metrics.ActiveCounters); err != nil {
		return models.QueueMetrics{}, err
	}
	return metrics, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id::text, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrTicketNotFound
	}
	return events, nil
}

// AutoSkip skips called tickets nobody acted on within grace.
func (s *Store) AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := time.Now().UTC().Add(-grace)
	rows, err := tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'CALLED' AND called_at <= $1
		ORDER BY called_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	var stale []models.Ticket
	for rows.Next() {
		ticket, scanErr := scanTicket(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return 0, err
		}
		stale = append(stale, ticket)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	processed := 0
	for _, ticket := range stale {
		if ticket.CounterID == nil {
			continue
		}
		if _, err = finishTicket(ctx, tx, ticket, *ticket.CounterID, store.ActionSkip, now); err != nil {
			return 0, err
		}
		processed++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return processed, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id::text, type, payload_json, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) MarkOutboxPublished(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = $1
		WHERE event_id = ANY($2::uuid[]) AND published_at IS NULL
	`, time.Now().UTC(), eventIDs)
	return err
}

func nextQueueNumber(ctx context.Context, tx pgx.Tx, issueDay string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (issue_day, next_number)
		VALUES ($1, 1)
		ON CONFLICT (issue_day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, issueDay)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func lockCounter(ctx context.Context, tx pgx.Tx, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := tx.QueryRow(ctx, `
		SELECT counter_id::text, name, is_active
		FROM counters
		WHERE counter_id = $1
		FOR UPDATE
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func counterName(ctx context.Context, tx pgx.Tx, counterID string) (string, error) {
	var name string
	err := tx.QueryRow(ctx, `SELECT name FROM counters WHERE counter_id = $1`, counterID).Scan(&name)
	return name, err
}

func lockNextWaiting(ctx context.Context, tx pgx.Tx) (string, error) {
	var ticketID string
	row := tx.QueryRow(ctx, `
		SELECT ticket_id::text
		FROM tickets
		WHERE status = 'WAITING'
		ORDER BY issue_day ASC, queue_number ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)
	if err := row.Scan(&ticketID); err != nil {
		return "", err
	}
	return ticketID, nil
}

func lockWorkingTicket(ctx context.Context, tx pgx.Tx, counterID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND status IN ('CLAIMED', 'CALLED')
		FOR UPDATE
	`, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// lockTicketByNumber resolves a queue number to a single ticket, preferring the
// one bound to the counter and then the most recent issuing day.
func lockTicketByNumber(ctx context.Context, tx pgx.Tx, queueNumber int64, counterID string) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE queue_number = $1
		ORDER BY (counter_id IS NOT DISTINCT FROM $2::uuid) DESC, issue_day DESC
		LIMIT 1
		FOR UPDATE
	`, queueNumber, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload, err := store.NewEventPayload(ticket)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	return insertTicketEvent(ctx, tx, ticket.TicketID, eventType, payload)
}

func insertTicketEventFor(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload, err := store.NewEventPayload(ticket)
	if err != nil {
		return err
	}
	return insertTicketEvent(ctx, tx, ticket.TicketID, eventType, payload)
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	// timestamptz keeps microseconds
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	hash := store.ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticketID, nextSeq, eventType, string(payload), createdAt, prev, hash)
	return err
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// findActionRequest reports whether requestID was already handled for action.
// empty is true when the earlier attempt found no ticket.
func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id::text
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `
		SELECT t.ticket_id::text, t.queue_number, t.issue_day, t.status, t.counter_id::text, t.request_id,
			t.created_at, t.called_at, t.finished_at, COALESCE(c.name, '')
		FROM tickets t
		LEFT JOIN counters c ON c.counter_id = t.counter_id
		WHERE t.ticket_id = $1
	`, ticketID.String)
	ticket, err := scanTicketWithCounter(row)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, counterID, ticketID string) error {
	if requestID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, counter_id, ticket_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, nullIfEmpty(counterID), nullIfEmpty(ticketID))
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var counterIDNull sql.NullString
	var requestIDNull sql.NullString
	var calledAtNull sql.NullTime
	var finishedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.QueueNumber, &ticket.IssueDay, &status, &counterIDNull, &requestIDNull, &ticket.CreatedAt, &calledAtNull, &finishedAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.RequestID = requestIDNull.String
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.FinishedAt = nullTimePtr(finishedAtNull)
	return ticket, nil
}

func scanTicketWithCounter(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var counterIDNull sql.NullString
	var requestIDNull sql.NullString
	var calledAtNull sql.NullTime
	var finishedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.QueueNumber, &ticket.IssueDay, &status, &counterIDNull, &requestIDNull, &ticket.CreatedAt, &calledAtNull, &finishedAtNull, &ticket.CounterName); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.RequestID = requestIDNull.String
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.FinishedAt = nullTimePtr(finishedAtNull)
	return ticket, nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
