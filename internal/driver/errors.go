package driver

import (
	"errors"
	"fmt"
)

// StepError is implemented by every error the driver raises. The step tag
// attributes the failure for retry accounting and the operator timeline; the
// screenshot, when captured, is the primary diagnostic artifact.
type StepError interface {
	error
	Step() string
	Screenshot() string
}

type stepError struct {
	step       string
	screenshot string
	message    string
	cause      error
}

func (e *stepError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (step %s): %v", e.message, e.step, e.cause)
	}
	return fmt.Sprintf("%s (step %s)", e.message, e.step)
}

func (e *stepError) Step() string       { return e.step }
func (e *stepError) Screenshot() string { return e.screenshot }
func (e *stepError) Unwrap() error      { return e.cause }

// LoginError - authentication failed or the login page is unreachable
type LoginError struct{ stepError }

// ConsultoraSearchError - impersonation, search or confirm sequence failed
type ConsultoraSearchError struct{ stepError }

// CycleSelectionError - cycle dialog absent, empty or not confirmable
type CycleSelectionError struct{ stepError }

// CartError - cart could not be opened or its state is invalid
type CartError struct{ stepError }

// ProductAddError - a specific product could not be added
type ProductAddError struct {
	stepError
	ProductCode string
}

// NavigationError - timeout or wrong page state, including loop exhaustion
type NavigationError struct{ stepError }

// SessionExpiredError - portal returned to a login-like state mid-flow
type SessionExpiredError struct{ stepError }

func base(step, screenshot, message string, cause error) stepError {
	return stepError{step: step, screenshot: screenshot, message: message, cause: cause}
}

func newLoginError(step, screenshot, message string, cause error) *LoginError {
	return &LoginError{base(step, screenshot, message, cause)}
}

func newConsultoraSearchError(step, screenshot, message string, cause error) *ConsultoraSearchError {
	return &ConsultoraSearchError{base(step, screenshot, message, cause)}
}

func newCycleSelectionError(step, screenshot, message string, cause error) *CycleSelectionError {
	return &CycleSelectionError{base(step, screenshot, message, cause)}
}

func newCartError(step, screenshot, message string, cause error) *CartError {
	return &CartError{base(step, screenshot, message, cause)}
}

func newProductAddError(step, screenshot, code, message string, cause error) *ProductAddError {
	return &ProductAddError{stepError: base(step, screenshot, message, cause), ProductCode: code}
}

func newNavigationError(step, screenshot, message string, cause error) *NavigationError {
	return &NavigationError{base(step, screenshot, message, cause)}
}

func newSessionExpiredError(step, screenshot, message string, cause error) *SessionExpiredError {
	return &SessionExpiredError{base(step, screenshot, message, cause)}
}

// AsStepError extracts the driver error from a wrapped chain.
func AsStepError(err error) (StepError, bool) {
	var se StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
