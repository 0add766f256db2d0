package driver

import (
	"strings"
	"time"

	"github.com/ternarybob/despacho/internal/models"
)

const (
	// The portal interposes up to four dialogs in nondeterministic order
	// between cycle accept and cart arrival; 14 iterations covers every
	// combination seen in the field with room to spare.
	maxNavigationIterations = 14
	// Midpoint recovery: a reload clears the silent-navigation-failure state.
	reloadIteration = 7

	animationSettle = 2500 * time.Millisecond
	popupProbe      = 2 * time.Second
	cartSettle      = 5 * time.Second
)

// navigateToCart drives the adaptive segment of the pipeline. The only
// authoritative arrival signal is the /cart URL substring; element checks
// are unreliable because the import widget may or may not be pre-mounted.
func (e *execution) navigateToCart() error {
	e.rec.step(models.StepNavigateCart, "Navigating to cart")

	directAttempts := 0

	for iteration := 1; iteration <= maxNavigationIterations; iteration++ {
		time.Sleep(animationSettle)

		loc, err := e.s.currentURL()
		if err != nil {
			return newNavigationError(models.StepNavigateCart, e.s.screenshot(models.StepNavigateCart), "could not read current URL", err)
		}

		if strings.Contains(loc, "/cart") {
			e.rec.info(models.StepNavigateCart, "Cart reached", map[string]interface{}{
				"iterations": iteration,
				"url":        loc,
			})
			return e.auditAndCleanCart()
		}

		if e.loginPageShowing(loc) {
			return newSessionExpiredError(models.StepNavigateCart, e.s.screenshot(models.StepNavigateCart), "portal returned to login mid-flow", nil)
		}

		if popup := e.resolveOnePopup(); popup != "" {
			e.rec.info(models.StepNavigateCart, "Resolved popup: "+popup, map[string]interface{}{
				"iteration": iteration,
			})
			continue
		}

		// Jump directly once the grid has loaded, or after enough blind
		// attempts that waiting for it is clearly not going to pay off.
		if e.s.visible(selProductGrid, popupProbe) || directAttempts >= 3 {
			origin, err := e.s.origin()
			if err != nil {
				return newNavigationError(models.StepNavigateCart, e.s.screenshot(models.StepNavigateCart), "could not resolve page origin", err)
			}
			directAttempts++
			if err := e.s.navigate(origin + "/cart"); err != nil {
				e.rec.warn(models.StepNavigateCart, "Direct cart navigation failed", map[string]interface{}{
					"attempt": directAttempts,
				})
			}
			time.Sleep(cartSettle)
		} else {
			directAttempts++
		}

		if iteration == reloadIteration {
			e.rec.warn(models.StepNavigateCart, "Midpoint reload recovery", nil)
			if err := e.s.reload(); err != nil {
				e.rec.warn(models.StepNavigateCart, "Reload failed: "+err.Error(), nil)
			}
		}
	}

	return newNavigationError(models.StepNavigateCart, e.s.screenshot(models.StepNavigateCart), "cart not reached after 14 iterations", nil)
}

// resolveOnePopup inspects the known dialogs in fixed order and resolves the
// first one found. Handlers swallow their own expected timeouts; anything
// else propagates as a warning and the loop moves on.
func (e *execution) resolveOnePopup() string {
	for _, popup := range navigationPopups {
		if !e.s.visible(popup.detect, popupProbe) {
			continue
		}

		if len(popup.option) > 0 {
			if err := e.s.click(popup.option, popupProbe); err != nil {
				e.rec.warn(models.StepNavigateCart, "Popup option not selectable: "+popup.name, nil)
			}
		}
		if err := e.s.click(popup.confirm, popupProbe); err != nil {
			e.rec.warn(models.StepNavigateCart, "Popup confirm failed: "+popup.name, nil)
			continue
		}
		return popup.name
	}
	return ""
}

func (e *execution) loginPageShowing(currentURL string) bool {
	if e.portal.LoginURL == "" {
		return false
	}
	return strings.HasPrefix(currentURL, e.portal.LoginURL) && e.s.visible(selPasswordInput, time.Second)
}
