package driver

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/despacho/internal/models"
)

// auditAndCleanCart enumerates leftover cart rows and empties the cart so
// the upload starts from a clean slate. A populated cart would silently
// merge with the uploaded file.
func (e *execution) auditAndCleanCart() error {
	e.rec.step(models.StepCartCleanup, "Auditing cart contents")

	rows, err := e.cartRowTexts()
	if err != nil {
		// An unreadable cart listing usually just means an empty cart with
		// no row container mounted.
		e.rec.info(models.StepCartCleanup, "Cart appears empty", nil)
		return nil
	}

	if len(rows) == 0 {
		e.rec.info(models.StepCartCleanup, "Cart is empty", nil)
		return nil
	}

	e.rec.warn(models.StepCartCleanup, "Cart holds leftover items", map[string]interface{}{
		"row_count": len(rows),
		"rows":      rows,
	})

	// Prefer the single empty-cart button; per-row deletion is the fallback.
	if e.s.visible(selCartEmptyButton, 3*time.Second) {
		if err := e.s.click(selCartEmptyButton, 5*time.Second); err != nil {
			return newCartError(models.StepCartCleanup, e.s.screenshot(models.StepCartCleanup), "empty cart button failed", err)
		}
		e.rec.info(models.StepCartCleanup, "Cart emptied", nil)
		return nil
	}

	for i := 0; i < len(rows); i++ {
		if err := e.s.click(selCartRowTrash, 5*time.Second); err != nil {
			return newCartError(models.StepCartCleanup, e.s.screenshot(models.StepCartCleanup), "cart row deletion failed", err)
		}
		if !e.s.visible(selSuccessToast, 5*time.Second) {
			e.rec.warn(models.StepCartCleanup, "No removal confirmation toast", map[string]interface{}{
				"row": i + 1,
			})
		}
	}

	e.rec.info(models.StepCartCleanup, "Cart emptied row by row", map[string]interface{}{
		"removed": len(rows),
	})
	return nil
}

// cartRowTexts returns the visible text of each cart row (code, name and
// quantity as rendered) for the audit log.
func (e *execution) cartRowTexts() ([]string, error) {
	loc, err := e.s.resolve(selCartRows, 3*time.Second)
	if err != nil {
		return nil, err
	}

	var nodes []*cdp.Node
	ctx, cancel := context.WithTimeout(e.s.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Nodes(loc.Query(), &nodes, queryOpts(loc))); err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(nodes))
	for _, node := range nodes {
		var text string
		err := chromedp.Run(ctx, chromedp.Text(node.FullXPath(), &text, chromedp.BySearch))
		if err != nil {
			continue
		}
		if t := strings.TrimSpace(text); t != "" {
			texts = append(texts, t)
		}
	}
	return texts, nil
}
