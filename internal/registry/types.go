package registry

import "time"

// Instance mirrors the `instances` table (spec §3).
type Instance struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Port           int        `json:"port"`
	ConfigPath     string     `json:"config_path"`
	WorkspaceDir   *string    `json:"workspace_dir,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	MigrationRunID *string    `json:"migration_run_id,omitempty"`
	PID            *int       `json:"pid,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Active reports whether the instance is not archived.
func (i Instance) Active() bool { return i.ArchivedAt == nil }

// RoutingRule mirrors the `routing_rules` table.
type RoutingRule struct {
	ID           string    `json:"id"`
	FromInstance string    `json:"from_instance"`
	ToInstance   string    `json:"to_instance"`
	TypePattern  string    `json:"type_pattern"`
	MaxRetries   int       `json:"max_retries"`
	TTLSecs      int       `json:"ttl_secs"`
	AutoStart    bool      `json:"auto_start"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageStatus enumerates the Message lifecycle states (spec §3).
type MessageStatus string

const (
	MessageQueued       MessageStatus = "queued"
	MessageLeased       MessageStatus = "leased"
	MessageAcknowledged MessageStatus = "acknowledged"
	MessageDeadLetter   MessageStatus = "dead_letter"
)

// Message mirrors the `messages` table.
type Message struct {
	ID             string        `json:"id"`
	FromInstance   string        `json:"from_instance"`
	ToInstance     string        `json:"to_instance"`
	MessageType    string        `json:"message_type"`
	Payload        string        `json:"payload"` // serialized JSON, already redacted
	CorrelationID  *string       `json:"correlation_id,omitempty"`
	IdempotencyKey *string       `json:"idempotency_key,omitempty"`
	HopCount       int           `json:"hop_count"`
	Status         MessageStatus `json:"status"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	NextAttemptAt  *time.Time    `json:"next_attempt_at,omitempty"`
	LeaseExpiresAt *time.Time    `json:"lease_expires_at,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// MessageEvent mirrors the append-only `message_events` table.
type MessageEvent struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	EventType string    `json:"event_type"`
	Detail    *string   `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentEvent is an opaque per-instance observability row (spec §4.B
// supplement).
type AgentEvent struct {
	ID           int64     `json:"id"`
	InstanceName string    `json:"instance_name"`
	EventType    string    `json:"event_type"`
	Detail       *string   `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AgentUsage is an opaque per-instance token/cost accounting row.
type AgentUsage struct {
	ID           int64     `json:"id"`
	InstanceName string    `json:"instance_name"`
	TokensIn     int64     `json:"tokens_in"`
	TokensOut    int64     `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// FlowInstanceStatus enumerates live FlowInstance states.
type FlowInstanceStatus string

const (
	FlowInstanceActive FlowInstanceStatus = "active"
)

// FlowInstance mirrors the `flow_instances` table — durable per-chat state
// (spec §3, §4.E).
type FlowInstance struct {
	ChatID          string             `json:"chat_id"`
	FlowName        string             `json:"flow_name"`
	CurrentStep     string             `json:"current_step"`
	StartedAt       time.Time          `json:"started_at"`
	StepEnteredAt   time.Time          `json:"step_entered_at"`
	AnchorMessageID *string            `json:"anchor_message_id,omitempty"`
	Status          FlowInstanceStatus `json:"status"`
}

// FlowHistoryStatus enumerates terminal FlowHistory states.
type FlowHistoryStatus string

const (
	FlowCompleted      FlowHistoryStatus = "completed"
	FlowTimedOut       FlowHistoryStatus = "timed_out"
	FlowForceCompleted FlowHistoryStatus = "force_completed"
)

// FlowHistory mirrors the `flow_history` table — the terminal record a
// FlowInstance is atomically moved into on completion.
type FlowHistory struct {
	ID          int64             `json:"id"`
	ChatID      string            `json:"chat_id"`
	FlowName    string            `json:"flow_name"`
	FinalStep   string            `json:"final_step"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Status      FlowHistoryStatus `json:"status"`
}

// FlowVersionAuthor distinguishes operator-authored from agent-authored
// flow versions (spec §4.E/§4.F).
type FlowVersionAuthor string

const (
	AuthorAgent    FlowVersionAuthor = "agent"
	AuthorOperator FlowVersionAuthor = "operator"
)

// FlowVersionStatus enumerates FlowVersion lifecycle states.
type FlowVersionStatus string

const (
	FlowVersionDraft         FlowVersionStatus = "draft"
	FlowVersionPendingReview FlowVersionStatus = "pending_review"
	FlowVersionActive        FlowVersionStatus = "active"
	FlowVersionDeactivated   FlowVersionStatus = "deactivated"
	FlowVersionRejected      FlowVersionStatus = "rejected"
)

// FlowVersion mirrors the `flow_versions` table.
type FlowVersion struct {
	ID             int64             `json:"id"`
	FlowName       string            `json:"flow_name"`
	Version        int               `json:"version"`
	DefinitionJSON string            `json:"definition_json"`
	Author         FlowVersionAuthor `json:"author"`
	Origin         string            `json:"origin,omitempty"`
	Status         FlowVersionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// FlowAuditLog mirrors the append-only `flow_audit_log` table.
type FlowAuditLog struct {
	ID        int64     `json:"id"`
	FlowName  string    `json:"flow_name"`
	Version   *int      `json:"version,omitempty"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor,omitempty"`
	Detail    *string   `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
