package driver

import (
	"time"

	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/models"
)

// execution carries the per-invocation state through the step pipeline.
type execution struct {
	s      *session
	rec    *recorder
	portal *common.PortalConfig
}

// login navigates to the portal and authenticates with the supervisor code.
// Post-login readiness is asserted by the impersonation radio becoming
// visible; any earlier signal (URL change, spinner) is unreliable.
func (e *execution) login() error {
	e.rec.step(models.StepLogin, "Logging into portal")

	if e.portal.LoginURL == "" || e.portal.UserCode == "" || e.portal.Password == "" {
		return newLoginError(models.StepLogin, "", "portal credentials are not configured", nil)
	}

	if err := e.s.navigate(e.portal.LoginURL); err != nil {
		return newLoginError(models.StepLogin, e.s.screenshot(models.StepLogin), "login page unreachable", err)
	}

	timeout := e.s.stepTimeout()

	if err := e.s.selectByValue(selLoginModeCombo, "code", timeout); err != nil {
		return newLoginError(models.StepLogin, e.s.screenshot(models.StepLogin), "login mode selector not found", err)
	}
	if err := e.s.fill(selUserCodeInput, e.portal.UserCode, timeout); err != nil {
		return newLoginError(models.StepLogin, e.s.screenshot(models.StepLogin), "user code input not found", err)
	}
	if err := e.s.fill(selPasswordInput, e.portal.Password, timeout); err != nil {
		return newLoginError(models.StepLogin, e.s.screenshot(models.StepLogin), "password input not found", err)
	}
	if err := e.s.click(selLoginSubmit, timeout); err != nil {
		return newLoginError(models.StepLogin, e.s.screenshot(models.StepLogin), "login submit failed", err)
	}

	// The impersonation radio is the post-login landmark.
	if err := e.s.waitVisible(selOtraConsultoraRadio, timeout); err != nil {
		return newLoginError(models.StepLogin, e.s.screenshot(models.StepLogin), "post-login page did not load", err)
	}

	e.rec.info(models.StepLogin, "Login successful", nil)
	return nil
}

// impersonate switches the session to act on behalf of another consultora.
func (e *execution) impersonate() error {
	e.rec.step(models.StepImpersonation, "Selecting 'otra consultora' mode")

	timeout := e.s.stepTimeout()

	if err := e.s.click(selOtraConsultoraRadio, timeout); err != nil {
		return newConsultoraSearchError(models.StepImpersonation, e.s.screenshot(models.StepImpersonation), "impersonation radio not clickable", err)
	}

	// The accept button only appears on some portal versions.
	if e.s.visible(selImpersonationAccept, 3*time.Second) {
		if err := e.s.click(selImpersonationAccept, 5*time.Second); err != nil {
			return newConsultoraSearchError(models.StepImpersonation, e.s.screenshot(models.StepImpersonation), "impersonation accept failed", err)
		}
	}

	if err := e.s.waitVisible(selConsultoraInput, timeout); err != nil {
		return newConsultoraSearchError(models.StepImpersonation, e.s.screenshot(models.StepImpersonation), "consultora code input did not appear", err)
	}
	return nil
}

// search fills the consultora code and triggers the lookup.
func (e *execution) search(consultoraCode string) error {
	e.rec.step(models.StepSearch, "Searching consultora "+consultoraCode)

	timeout := e.s.stepTimeout()

	if err := e.s.fill(selConsultoraInput, consultoraCode, timeout); err != nil {
		return newConsultoraSearchError(models.StepSearch, e.s.screenshot(models.StepSearch), "consultora input not fillable", err)
	}
	if err := e.s.click(selConsultoraSearch, timeout); err != nil {
		return newConsultoraSearchError(models.StepSearch, e.s.screenshot(models.StepSearch), "search button not clickable", err)
	}
	return nil
}

// confirm accepts the consultora the search resolved.
func (e *execution) confirm() error {
	e.rec.step(models.StepConfirm, "Confirming consultora")

	if err := e.s.click(selConsultoraConfirm, e.s.stepTimeout()); err != nil {
		return newConsultoraSearchError(models.StepConfirm, e.s.screenshot(models.StepConfirm), "consultora confirm failed", err)
	}
	return nil
}

// selectCycle picks the first available cycle radio. DOM order is the
// deterministic tie-break; the portal lists the current cycle first.
func (e *execution) selectCycle() error {
	e.rec.step(models.StepCycle, "Selecting campaign cycle")

	timeout := e.s.stepTimeout()

	if err := e.s.waitVisible(selCycleRadioGroup, timeout); err != nil {
		return newCycleSelectionError(models.StepCycle, e.s.screenshot(models.StepCycle), "cycle dialog did not appear", err)
	}
	if err := e.s.click(selCycleFirstRadio, 10*time.Second); err != nil {
		return newCycleSelectionError(models.StepCycle, e.s.screenshot(models.StepCycle), "no cycle option selectable", err)
	}
	if err := e.s.click(selCycleAccept, 10*time.Second); err != nil {
		return newCycleSelectionError(models.StepCycle, e.s.screenshot(models.StepCycle), "cycle accept failed", err)
	}
	return nil
}
