package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
)

// Ensure SyslogLogger implements Logger interface
var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogLogger forwards audit events to a local or remote syslog daemon.
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
}

// NewSyslogLogger creates a new syslog audit logger with options
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		switch config.LogLevel {
		case "error":
			syslogOpts.Priority = int(syslog.LOG_ERR | syslog.LOG_USER)
		case "warn":
			syslogOpts.Priority = int(syslog.LOG_WARNING | syslog.LOG_USER)
		default:
			syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_USER)
		}
	}

	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "dok-audit"
	}

	var writer *syslog.Writer
	var err error

	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		// Remote syslog
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		// Local syslog
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
	}, nil
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}

	event := newEvent(action, success, metadata)
	event.Source = "doctor-dok"

	return s.writeEvent(event)
}

func (s *SyslogLogger) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// Query is unsupported: syslog is write-only. Querying requires a syslog
// server with durable storage, or the file backend.
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{
		Events:     []Event{},
		TotalCount: 0,
		Filtered:   0,
		HasMore:    false,
	}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) writeEvent(event Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	// Prefix for easy filtering on the syslog side
	logMessage := fmt.Sprintf("DOK_AUDIT: %s", string(eventJSON))

	switch {
	case !event.Success && event.Reason != "":
		return s.writer.Err(logMessage)
	case !event.Success:
		return s.writer.Warning(logMessage)
	case isSecurityCriticalAction(event.Action):
		// Security-critical actions always go to notice level
		return s.writer.Notice(logMessage)
	case s.config.LogLevel == "error":
		return nil
	case s.config.LogLevel == "warn":
		return s.writer.Info(logMessage)
	default:
		return s.writer.Info(logMessage)
	}
}

// isSecurityCriticalAction marks the actions that always surface at notice
// level regardless of the configured log level.
func isSecurityCriticalAction(action string) bool {
	securityActions := map[string]bool{
		"key_register":      true,
		"key_revoke":        true,
		"key_rotate":        true,
		"enclave_release":   true,
		"authorize_enclave": true,
		"database_create":   true,
	}
	return securityActions[action]
}
