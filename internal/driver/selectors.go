package driver

import (
	"fmt"
	"strings"
)

// Strategy identifies how a locator value should be resolved on the page.
// Lists are ordered most-specific first: data-testid, then role/text, then
// a generic CSS fallback. The first locator that resolves within its wait
// wins; the try/except chains of ad-hoc scraping become a data structure.
type Strategy int

const (
	ByTestID Strategy = iota
	ByCSS
	ByButtonText
	ByLabelText
	ByXPath
)

// Locator is one strategy/value pair.
type Locator struct {
	Strategy Strategy
	Value    string
}

// SelectorList is an ordered chain of fallback locators for one element.
type SelectorList []Locator

// Query renders the locator as a chromedp query string. ByXPath and the
// text strategies produce XPath; everything else produces CSS.
func (l Locator) Query() string {
	switch l.Strategy {
	case ByTestID:
		return fmt.Sprintf(`[data-testid=%q]`, l.Value)
	case ByButtonText:
		return fmt.Sprintf(`//button[contains(normalize-space(.), %s)] | //*[@role="button"][contains(normalize-space(.), %s)]`,
			xpathString(l.Value), xpathString(l.Value))
	case ByLabelText:
		return fmt.Sprintf(`//label[contains(normalize-space(.), %s)]`, xpathString(l.Value))
	case ByXPath:
		return l.Value
	default:
		return l.Value
	}
}

// IsXPath reports whether the rendered query must be run as an XPath search.
func (l Locator) IsXPath() bool {
	switch l.Strategy {
	case ByButtonText, ByLabelText, ByXPath:
		return true
	}
	return strings.HasPrefix(l.Value, "//")
}

func testID(v string) Locator     { return Locator{Strategy: ByTestID, Value: v} }
func css(v string) Locator        { return Locator{Strategy: ByCSS, Value: v} }
func buttonText(v string) Locator { return Locator{Strategy: ByButtonText, Value: v} }
func labelText(v string) Locator  { return Locator{Strategy: ByLabelText, Value: v} }
func xpath(v string) Locator      { return Locator{Strategy: ByXPath, Value: v} }

// xpathString wraps a literal for XPath 1.0, which has no escape syntax.
func xpathString(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, "'")
	return `concat('` + strings.Join(parts, `', "'", '`) + `')`
}

// Per-step selector chains. The portal ships no stable IDs outside
// data-testid, so every chain ends in a structural fallback.
var (
	selLoginModeCombo = SelectorList{
		testID("login-mode-select"),
		css("select[name='loginMode']"),
		css("form select"),
	}
	selUserCodeInput = SelectorList{
		testID("login-code-input"),
		css("input[name='userCode']"),
		css("form input[type='text']"),
	}
	selPasswordInput = SelectorList{
		testID("login-password-input"),
		css("input[type='password']"),
	}
	selLoginSubmit = SelectorList{
		testID("login-submit"),
		buttonText("Ingresar"),
		css("form button[type='submit']"),
	}

	selOtraConsultoraRadio = SelectorList{
		testID("radio-otra-consultora"),
		labelText("otra consultora"),
		css("input[type='radio'][value='otra']"),
	}
	selImpersonationAccept = SelectorList{
		testID("impersonation-accept"),
		buttonText("Aceptar"),
	}
	selConsultoraInput = SelectorList{
		testID("consultora-code-input"),
		css("input[name='consultoraCode']"),
		css("input[placeholder*='consultora' i]"),
	}
	selConsultoraSearch = SelectorList{
		testID("consultora-search-button"),
		buttonText("Buscar"),
		css("button.search-button"),
	}
	selConsultoraConfirm = SelectorList{
		testID("consultora-confirm-button"),
		buttonText("Confirmar"),
	}

	selCycleRadioGroup = SelectorList{
		testID("cycle-radio-group"),
		css("[role='radiogroup']"),
		css(".cycle-selection input[type='radio']"),
	}
	selCycleFirstRadio = SelectorList{
		xpath(`(//*[@data-testid="cycle-radio-group"]//input[@type="radio"])[1]`),
		xpath(`(//*[@role="radiogroup"]//input[@type="radio"])[1]`),
		xpath(`(//input[@type="radio"])[1]`),
	}
	selCycleAccept = SelectorList{
		testID("cycle-accept"),
		buttonText("Aceptar"),
	}

	selProductGrid = SelectorList{
		testID("product-grid"),
		css(".product-list"),
		css("[class*='productGrid']"),
	}

	selCartImportButton = SelectorList{
		testID("cart-import-button"),
		buttonText("Importar"),
	}
	selCartFileInput = SelectorList{
		testID("cart-file-input"),
		css("input[type='file']"),
	}
	selCartRows = SelectorList{
		testID("cart-row"),
		css(".cart-item"),
		css("[class*='cartRow']"),
	}
	selCartEmptyButton = SelectorList{
		testID("cart-empty-button"),
		buttonText("Vaciar carro"),
	}
	selCartRowTrash = SelectorList{
		testID("cart-row-delete"),
		css(".cart-item button.delete"),
		xpath(`//*[contains(@class,'cart-item')]//button[contains(@aria-label,'liminar')]`),
	}
	selSuccessToast = SelectorList{
		testID("toast-success"),
		css(".toast-success"),
		css("[role='status']"),
	}

	selModalClose = SelectorList{
		testID("modal-close"),
		buttonText("Cerrar"),
		css(".modal button.close"),
	}
	selModalBody = SelectorList{
		testID("modal-body"),
		css(".modal-body"),
		css("[role='dialog']"),
	}
)

// popupSpec describes one of the interposable dialogs of the adaptive
// navigation segment. Inspection order matters and is fixed.
type popupSpec struct {
	name    string
	detect  SelectorList
	option  SelectorList // optional: first visible option to select
	confirm SelectorList
}

var navigationPopups = []popupSpec{
	{
		name: "cycle_dialog",
		detect: SelectorList{
			testID("cycle-radio-group"),
			css("[role='radiogroup']"),
		},
		option:  selCycleFirstRadio,
		confirm: selCycleAccept,
	},
	{
		name: "direct_sale_dialog",
		detect: SelectorList{
			testID("direct-sale-dialog"),
			xpath(`//*[@role="dialog"][contains(., 'venta directa')]`),
		},
		option: SelectorList{
			xpath(`(//*[@data-testid="direct-sale-dialog"]//input[@type="radio"])[1]`),
			xpath(`(//*[@role="dialog"]//input[@type="radio"])[1]`),
		},
		confirm: SelectorList{
			testID("direct-sale-accept"),
			buttonText("Aceptar"),
		},
	},
	{
		name: "listo_popup",
		detect: SelectorList{
			testID("generic-listo-popup"),
			buttonText("LISTO"),
		},
		confirm: SelectorList{
			testID("generic-listo-popup-button"),
			buttonText("LISTO"),
		},
	},
	{
		// A previously saved order blocks the cart; always delete it so the
		// upload starts from a clean slate.
		name: "saved_order_dialog",
		detect: SelectorList{
			testID("saved-order-dialog"),
			xpath(`//*[@role="dialog"][contains(., 'pedido guardado')]`),
		},
		confirm: SelectorList{
			testID("saved-order-delete"),
			buttonText("Eliminar"),
		},
	},
}
