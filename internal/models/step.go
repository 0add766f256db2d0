package models

// Step tags for the browser pipeline. The unit of progress reporting and
// error attribution; OrderLog rows and Order.CurrentStep carry these.
const (
	StepStarting       = "starting"
	StepPreflight      = "preflight"
	StepLogin          = "login"
	StepImpersonation  = "select_otra_consultora"
	StepSearch         = "search_consultora"
	StepConfirm        = "confirm_consultora"
	StepCycle          = "select_cycle"
	StepExcel          = "excel_generation"
	StepFileGeneration = "file_generation"
	StepNavigateCart   = "navigate_to_cart_adaptively"
	StepCartCleanup    = "cart_cleanup"
	StepUpload         = "upload_order_file"
	StepValidation     = "upload_validation"
	StepCompleted      = "completed"

	// StepOrderValidation marks pre-driver rejection (e.g. empty product list).
	StepOrderValidation = "validation"
	// StepUnexpected marks failures outside the driver's step pipeline.
	StepUnexpected = "unexpected_error"
)

// stepPercent maps each step tag to a dashboard progress percentage.
var stepPercent = map[string]int{
	StepStarting:       0,
	StepPreflight:      5,
	StepLogin:          15,
	StepImpersonation:  25,
	StepSearch:         35,
	StepConfirm:        45,
	StepCycle:          48,
	StepExcel:          50,
	StepFileGeneration: 52,
	StepNavigateCart:   60,
	StepCartCleanup:    70,
	StepUpload:         85,
	StepValidation:     92,
	StepCompleted:      100,
}

// StepProgressPercent returns the progress percentage for a step tag.
// Unknown tags preserve the previous percentage so the reported value is
// monotonically non-decreasing across the fixed pipeline.
func StepProgressPercent(step string, previous int) int {
	if pct, ok := stepPercent[step]; ok {
		if pct < previous {
			return previous
		}
		return pct
	}
	return previous
}
