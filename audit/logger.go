package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "syslog", etc.
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event is one audit log event: a key registry mutation or an
// authorization decision. Tenant and key identifiers are already salted
// hashes, so events never contain raw secret material.
type Event struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Action         string                 `json:"action"`
	Success        bool                   `json:"success"`
	DatabaseIDHash string                 `json:"database_id_hash,omitempty"`
	KeyLocatorHash string                 `json:"key_locator_hash,omitempty"`
	Zone           string                 `json:"zone,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Source         string                 `json:"source,omitempty"` // IP, hostname, etc.
}

// newEvent lifts the well-known metadata keys into their typed fields so
// downstream filters don't have to poke at the metadata map.
func newEvent(action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	if v, ok := metadata["database_id_hash"].(string); ok {
		event.DatabaseIDHash = v
		delete(metadata, "database_id_hash")
	}
	if v, ok := metadata["key_locator_hash"].(string); ok {
		event.KeyLocatorHash = v
		delete(metadata, "key_locator_hash")
	}
	if v, ok := metadata["zone"].(string); ok {
		event.Zone = v
		delete(metadata, "zone")
	}
	if v, ok := metadata["reason"].(string); ok {
		event.Reason = v
		delete(metadata, "reason")
	}
	if len(metadata) == 0 {
		event.Metadata = nil
	}
	return event
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	DatabaseIDHash string
	KeyLocatorHash string
	Zone           string
	Since          *time.Time
	Until          *time.Time
	Action         string
	Success        *bool // nil = all, true = only success, false = only failures
	Limit          int
	Offset         int
}

// QueryResult contains the results of an audit query
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
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return fmt.Sprintf("%d_%d", time.Now().UnixNano(), os.Getpid())
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
