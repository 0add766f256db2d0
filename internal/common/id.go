package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique queue task ID with the "task_" prefix
// Format: task_<uuid>
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewScreenshotName generates a unique screenshot file name for a step
// Format: <step>_<uuid>.png
func NewScreenshotName(step string) string {
	return step + "_" + uuid.New().String() + ".png"
}
