package driver

import (
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/models"
)

// recorder accumulates the linear step log for one driver invocation and
// fires the progress callback at every step boundary. The log's linearity
// is a correctness property: the pipeline is strictly sequential, so the
// recorder is never shared between goroutines.
type recorder struct {
	logger      arbor.ILogger
	progress    models.ProgressFunc
	entries     []models.StepLogEntry
	currentStep string
}

func newRecorder(logger arbor.ILogger, progress models.ProgressFunc) *recorder {
	return &recorder{logger: logger, progress: progress}
}

// step marks a step boundary: records an INFO entry and notifies the caller.
func (r *recorder) step(step, message string) {
	r.currentStep = step
	r.append(models.LogLevelInfo, step, message, nil, "")
	if r.progress != nil {
		r.progress(step, message)
	}
	r.logger.Debug().Str("step", step).Msg(message)
}

func (r *recorder) info(step, message string, details map[string]interface{}) {
	r.append(models.LogLevelInfo, step, message, details, "")
}

func (r *recorder) warn(step, message string, details map[string]interface{}) {
	r.append(models.LogLevelWarning, step, message, details, "")
	r.logger.Warn().Str("step", step).Msg(message)
}

func (r *recorder) error(step, message, screenshotPath string) {
	r.append(models.LogLevelError, step, message, nil, screenshotPath)
	r.logger.Warn().Str("step", step).Str("screenshot", screenshotPath).Msg(message)
}

func (r *recorder) append(level models.LogLevel, step, message string, details map[string]interface{}, screenshot string) {
	r.entries = append(r.entries, models.StepLogEntry{
		Level:          level,
		Step:           step,
		Message:        message,
		Details:        details,
		ScreenshotPath: screenshot,
		Timestamp:      time.Now(),
	})
}
