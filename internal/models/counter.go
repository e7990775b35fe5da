package models

type Counter struct {
	CounterID string `json:"counter_id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
}

// CurrentQueue is the per-counter projection of the ticket the counter is working on.
// QueueNumber is zero and Status empty when the counter has no current ticket.
type CurrentQueue struct {
	CounterID   string `json:"counter_id"`
	CounterName string `json:"counter_name"`
	QueueNumber int64  `json:"queue_number,omitempty"`
	Status      Status `json:"status,omitempty"`
	TicketID    string `json:"ticket_id,omitempty"`
}

type QueueMetrics struct {
	Waiting        int `json:"waiting"`
	Called         int `json:"called"`
	Served         int `json:"served"`
	Skipped        int `json:"skipped"`
	Released       int `json:"released"`
	ActiveCounters int `json:"active_counters"`
}
