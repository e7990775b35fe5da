// Package sqlite implements the ticket store on a single SQLite database for
// single-node deployments. All access goes through one connection, which
// serializes transactions the way row locks do on Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const ticketColumns = `t.ticket_id, t.queue_number, t.issue_day, t.status, t.counter_id, t.request_id, t.created_at, t.called_at, t.finished_at, COALESCE(c.name, '')`

const ticketFrom = ` FROM tickets t LEFT JOIN counters c ON c.counter_id = t.counter_id `

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Store struct {
	db *sql.DB
}

// Open opens the database at dsn and applies the schema. Transactions start
// with BEGIN IMMEDIATE so writers from other processes queue up front.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", withImmediateTx(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(GetSchemaSQL()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func withImmediateTx(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_txlock=immediate"
	}
	return dsn + "?_txlock=immediate"
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCounter registers a counter. Counter administration lives elsewhere;
// this exists for seeding single-node installs and tests.
func (s *Store) CreateCounter(ctx context.Context, name string, active bool) (models.Counter, error) {
	counter := models.Counter{CounterID: uuid.NewString(), Name: name, IsActive: active}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (counter_id, name, is_active) VALUES (?, ?, ?)
	`, counter.CounterID, counter.Name, counter.IsActive)
	if err != nil {
		return models.Counter{}, fmt.Errorf("failed to create counter: %w", err)
	}
	return counter, nil
}

func (s *Store) SetCounterActive(ctx context.Context, counterID string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE counters SET is_active = ? WHERE counter_id = ?`, active, counterID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrCounterNotFound
	}
	return nil
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (ticket models.Ticket, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if input.RequestID != "" {
		existing, found, findErr := findTicketByRequestID(ctx, tx, input.RequestID)
		if err = findErr; err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(); err != nil {
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

	ticketID := uuid.NewString()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (ticket_id, request_id, queue_number, issue_day, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticketID, nullIfEmpty(input.RequestID), seq, issueDay, string(models.StatusWaiting), createdAt.UTC()); err != nil {
		return models.Ticket{}, false, err
	}

	ticket, err = getTicket(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, "ticket.issued", ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ClaimNext(ctx context.Context, input store.ClaimNextInput) (ticket models.Ticket, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if input.RequestID != "" {
		existing, found, empty, findErr := findActionRequest(ctx, tx, store.ActionClaim, input.RequestID)
		if err = findErr; err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(); err != nil {
				return models.Ticket{}, false, err
			}
			if empty {
				return models.Ticket{}, false, store.ErrNoWaitingTicket
			}
			return existing, false, nil
		}
	}

	counter, err := getCounter(ctx, tx, input.CounterID)
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

	var nextID string
	err = tx.QueryRowContext(ctx, `
		SELECT ticket_id
		FROM tickets
		WHERE status = 'WAITING'
		ORDER BY issue_day ASC, queue_number ASC
		LIMIT 1
	`).Scan(&nextID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if err = insertActionRequest(ctx, tx, store.ActionClaim, input.RequestID, input.CounterID, ""); err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoWaitingTicket
		}
		return models.Ticket{}, false, err
	}

	current, hasCurrent, err := workingTicket(ctx, tx, input.CounterID)
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

	if err = conditionalUpdate(ctx, tx, `
		UPDATE tickets SET status = ?, counter_id = ?
		WHERE ticket_id = ? AND status = ?
	`, string(models.StatusClaimed), input.CounterID, nextID, string(models.StatusWaiting)); err != nil {
		return models.Ticket{}, false, err
	}
	claimed, err := getTicket(ctx, tx, nextID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertTicketEventFor(ctx, tx, store.EventType(store.ActionClaim), claimed); err != nil {
		return models.Ticket{}, false, err
	}

	if err = conditionalUpdate(ctx, tx, `
		UPDATE tickets SET status = ?, called_at = ?
		WHERE ticket_id = ? AND status = ?
	`, string(models.StatusCalled), calledAt.UTC(), nextID, string(models.StatusClaimed)); err != nil {
		return models.Ticket{}, false, err
	}
	ticket, err = getTicket(ctx, tx, nextID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, store.ActionClaim, input.RequestID, input.CounterID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, store.EventType(store.ActionAnnounce), ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(); err != nil {
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

func (s *Store) applyAction(ctx context.Context, input store.TicketActionInput, action string) (ticket models.Ticket, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := ticketByNumber(ctx, tx, input.QueueNumber, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	ticket, err = finishTicket(ctx, tx, current, input.CounterID, action, occurredAt)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.CounterName == "" {
		if counter, nameErr := getCounter(ctx, tx, input.CounterID); nameErr == nil {
			ticket.CounterName = counter.Name
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func finishTicket(ctx context.Context, tx querier, current models.Ticket, counterID, action string, occurredAt time.Time) (models.Ticket, error) {
	if current.CounterID == nil {
		return models.Ticket{}, store.ErrUnexpectedState
	}
	if *current.CounterID != counterID {
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

	if err := conditionalUpdate(ctx, tx, `
		UPDATE tickets SET status = ?, counter_id = ?, finished_at = ?
		WHERE ticket_id = ? AND status = ? AND counter_id = ?
	`, string(target), counterValue, occurredAt.UTC(), current.TicketID, string(current.Status), counterID); err != nil {
		return models.Ticket{}, err
	}

	ticket, err := getTicket(ctx, tx, current.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := insertOutboxEvent(ctx, tx, store.EventType(action), ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	return getCounter(ctx, s.db, counterID)
}

func (s *Store) ListCounters(ctx context.Context, activeOnly bool) ([]models.Counter, error) {
	query := `SELECT counter_id, name, is_active FROM counters`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
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

func (s *Store) CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH ranked AS (
			SELECT counter_id, ticket_id, queue_number, status,
				ROW_NUMBER() OVER (
					PARTITION BY counter_id
					ORDER BY COALESCE(finished_at, called_at, created_at) DESC, issue_day DESC, queue_number DESC
				) AS rn
			FROM tickets
			WHERE counter_id IS NOT NULL
		)
		SELECT c.counter_id, c.name, r.ticket_id, r.queue_number, r.status
		FROM counters c
		LEFT JOIN ranked r ON r.counter_id = c.counter_id AND r.rn = 1
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
	query := `SELECT ` + ticketColumns + ticketFrom + `WHERE 1 = 1`
	var args []interface{}

	if filter.QueueNumber > 0 {
		query += ` AND t.queue_number = ?`
		args = append(args, filter.QueueNumber)
	}
	if name := strings.TrimSpace(filter.CounterName); name != "" {
		query += ` AND c.name LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(name)+"%")
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` AND t.status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY t.issue_day DESC, t.queue_number DESC LIMIT ?`
	args = append(args, store.NormalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *Store) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	var metrics models.QueueMetrics
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'WAITING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('CLAIMED', 'CALLED') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SERVED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SKIPPED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RELEASED' THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM counters WHERE is_active = 1)
		FROM tickets
	`)
	if err := row.Scan(&metrics.Waiting, &metrics.Called, &metrics.Served, &metrics.Skipped, &metrics.Released, &metrics.ActiveCounters); err != nil {
		return models.QueueMetrics{}, err
	}
	return metrics, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
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

func (s *Store) AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (processed int, err error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cutoff := time.Now().UTC().Add(-grace)
	rows, err := tx.QueryContext(ctx, `SELECT `+ticketColumns+ticketFrom+`
		WHERE t.status = 'CALLED' AND t.called_at <= ?
		ORDER BY t.called_at ASC
		LIMIT ?
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	var stale []models.Ticket
	for rows.Next() {
		ticket, scanErr := scanTicket(rows)
		if scanErr != nil {
			_ = rows.Close()
			err = scanErr
			return 0, err
		}
		stale = append(stale, ticket)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, ticket := range stale {
		if ticket.CounterID == nil {
			continue
		}
		if _, err = finishTicket(ctx, tx, ticket, *ticket.CounterID, store.ActionSkip, now); err != nil {
			return 0, err
		}
		processed++
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return processed, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload string
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
	placeholders := make([]string, len(eventIDs))
	args := []interface{}{time.Now().UTC()}
	for i, id := range eventIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET published_at = ?
		WHERE published_at IS NULL AND event_id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	return err
}

func nextQueueNumber(ctx context.Context, tx querier, issueDay string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ticket_sequences (issue_day, next_number)
		VALUES (?, 1)
		ON CONFLICT (issue_day) DO UPDATE SET next_number = next_number + 1
	`, issueDay); err != nil {
		return 0, err
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next_number FROM ticket_sequences WHERE issue_day = ?`, issueDay).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func getCounter(ctx context.Context, q querier, counterID string) (models.Counter, error) {
	var counter models.Counter
	err := q.QueryRowContext(ctx, `
		SELECT counter_id, name, is_active FROM counters WHERE counter_id = ?
	`, counterID).Scan(&counter.CounterID, &counter.Name, &counter.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func getTicket(ctx context.Context, q querier, ticketID string) (models.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+ticketFrom+`WHERE t.ticket_id = ?`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func workingTicket(ctx context.Context, q querier, counterID string) (models.Ticket, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+ticketFrom+`
		WHERE t.counter_id = ? AND t.status IN ('CLAIMED', 'CALLED')
	`, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func ticketByNumber(ctx context.Context, q querier, queueNumber int64, counterID string) (models.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+ticketFrom+`
		WHERE t.queue_number = ?
		ORDER BY (t.counter_id IS ?) DESC, t.issue_day DESC
		LIMIT 1
	`, queueNumber, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func conditionalUpdate(ctx context.Context, q querier, query string, args ...interface{}) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return store.ErrUnexpectedState
	}
	return nil
}

func insertOutboxEvent(ctx context.Context, q querier, eventType string, ticket models.Ticket) error {
	payload, err := store.NewEventPayload(ticket)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), eventType, string(payload), time.Now().UTC()); err != nil {
		return err
	}
	return insertTicketEvent(ctx, q, ticket.TicketID, eventType, payload)
}

func insertTicketEventFor(ctx context.Context, q querier, eventType string, ticket models.Ticket) error {
	payload, err := store.NewEventPayload(ticket)
	if err != nil {
		return err
	}
	return insertTicketEvent(ctx, q, ticket.TicketID, eventType, payload)
}

func insertTicketEvent(ctx context.Context, q querier, ticketID, eventType string, payload []byte) error {
	var lastSeq int
	var prevHash sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT ticket_seq, hash FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticketID).Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	hash := store.ComputeTicketEventHash(prevHash.String, ticketID, eventType, payload, createdAt, nextSeq)

	_, err = q.ExecContext(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ticketID, nextSeq, eventType, string(payload), createdAt, prevHash.String, hash)
	return err
}

func findTicketByRequestID(ctx context.Context, q querier, requestID string) (models.Ticket, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+ticketFrom+`WHERE t.request_id = ?`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, q querier, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT ticket_id FROM ticket_action_requests WHERE request_id = ? AND action = ?
	`, requestID, action).Scan(&ticketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}
	ticket, err := getTicket(ctx, q, ticketID.String)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, q querier, action, requestID, counterID, ticketID string) error {
	if requestID == "" {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, counter_id, ticket_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, nullIfEmpty(counterID), nullIfEmpty(ticketID))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var counterID sql.NullString
	var requestID sql.NullString
	var calledAt sql.NullTime
	var finishedAt sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.QueueNumber, &ticket.IssueDay, &status, &counterID, &requestID, &ticket.CreatedAt, &calledAt, &finishedAt, &ticket.CounterName); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.RequestID = requestID.String
	if counterID.Valid {
		id := counterID.String
		ticket.CounterID = &id
	}
	if calledAt.Valid {
		t := calledAt.Time.UTC()
		ticket.CalledAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		ticket.FinishedAt = &t
	}
	return ticket, nil
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
