package interfaces

import (
	"context"

	"github.com/ternarybob/despacho/internal/models"
)

// OrderDriver executes the fixed step sequence for one order against the
// portal. One invocation is one fresh browser session; no cookies, storage or
// network state crosses invocations.
type OrderDriver interface {
	ExecuteOrder(ctx context.Context, consultoraCode string, products []models.ProductRef, progress models.ProgressFunc) *models.OrderResult
}
