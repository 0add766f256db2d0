package models

// ProductRef identifies one product/quantity pair submitted to the portal.
type ProductRef struct {
	ProductCode string `json:"product_code"`
	Quantity    int    `json:"quantity"`
}

// ProductFailure records a product the driver could not submit.
type ProductFailure struct {
	ProductCode string `json:"product_code"`
	Error       string `json:"error"`
}

// OrderResult is the outcome of one driver invocation for one order.
// The step log is linear; its ordering is a correctness property and the
// order task persists it into OrderLog unchanged.
type OrderResult struct {
	Success         bool             `json:"success"`
	Error           string           `json:"error,omitempty"`
	ErrorStep       string           `json:"error_step,omitempty"`
	ScreenshotPath  string           `json:"screenshot_path,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	ProductsAdded   []ProductRef     `json:"products_added"`
	ProductsFailed  []ProductFailure `json:"products_failed"`
	StepLog         []StepLogEntry   `json:"step_log"`
	CurrentStep     string           `json:"current_step"`
}

// ProgressFunc fires at every step boundary with the step tag and a
// human-readable message. Consumed by dashboards; never relied upon for
// correctness.
type ProgressFunc func(step, message string)
