package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines action log configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	UserID   string                 `json:"user_id"`
	Type     ConfigType             `json:"type"`    // "file" or empty for no-op
	Options  map[string]interface{} `json:"options"` // provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType ConfigType = "file"
	NoOp          ConfigType = ""
)

// Well-known metadata keys lifted into Event fields by loggers
const (
	MetaRequestID = "request_id"
	MetaRecordID  = "record_id"
	MetaError     = "error"
	MetaDuration  = "duration_ms"
)

// Logger interface for pluggable action log implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an entry of the archive action log. Events never carry record
// content or key material.
type Event struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	RecordID  uint64                 `json:"record_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering the action log
type QueryOptions struct {
	Since       *time.Time
	Until       *time.Time
	Action      string
	Success     *bool // nil = all, true = only success, false = only failures
	RecordID    uint64
	Limit       int
	Offset      int
	VaultAccess bool // only unlock, lock and password events
}

// QueryResult contains the results of an action log query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an Event from Log arguments, moving well-known metadata keys into fields
func newEvent(action string, success bool, userID string, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		UserID:    userID,
	}

	if len(metadata) == 0 {
		return event
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case MetaRequestID:
			event.RequestID = fmt.Sprint(v)
		case MetaError:
			event.Error = fmt.Sprint(v)
		case MetaRecordID:
			if id, ok := toUint64(v); ok {
				event.RecordID = id
			} else {
				rest[k] = v
			}
		case MetaDuration:
			if d, ok := v.(time.Duration); ok {
				event.Duration = d.Milliseconds()
			} else if ms, ok := toUint64(v); ok {
				event.Duration = int64(ms)
			} else {
				rest[k] = v
			}
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case uint:
		return uint64(n), true
	case float64:
		return uint64(n), n >= 0
	default:
		return 0, false
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// round trip through JSON to fill the struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
