package models

import (
	"time"
)

// LogLevel is the severity of an audit log row
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// OrderLog is an append-only audit row. Rows are never updated or deleted;
// the per-order timeline is the operator's primary diagnostic surface.
type OrderLog struct {
	ID             uint64                 `json:"id" badgerhold:"key"`
	OrderID        uint64                 `json:"order_id" badgerholdIndex:"OrderID"`
	Level          LogLevel               `json:"level"`
	Step           string                 `json:"step"`
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details,omitempty"`
	ScreenshotPath string                 `json:"screenshot_path,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// StepLogEntry is the in-memory log row the driver accumulates during one
// invocation. The order task persists these into OrderLog preserving order.
type StepLogEntry struct {
	Level          LogLevel               `json:"level"`
	Step           string                 `json:"step"`
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details,omitempty"`
	ScreenshotPath string                 `json:"screenshot_path,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}
