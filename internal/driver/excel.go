package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/xuri/excelize/v2"
)

// Upload file headers. The portal's import parser matches them literally;
// no customization, no extra sheets.
const (
	uploadHeaderCode     = "CÓDIGO"
	uploadHeaderQuantity = "QTDE"
)

// buildOrderFile writes the two-column upload spreadsheet to a per-task
// temporary file. The caller must invoke cleanup on every exit path.
func buildOrderFile(products []models.ProductRef) (string, func(), error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := f.SetCellValue(sheet, "A1", uploadHeaderCode); err != nil {
		return "", nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := f.SetCellValue(sheet, "B1", uploadHeaderQuantity); err != nil {
		return "", nil, fmt.Errorf("failed to write header: %w", err)
	}

	for i, p := range products {
		row := strconv.Itoa(i + 2)
		if err := f.SetCellValue(sheet, "A"+row, p.ProductCode); err != nil {
			return "", nil, fmt.Errorf("failed to write product %s: %w", p.ProductCode, err)
		}
		if err := f.SetCellValue(sheet, "B"+row, p.Quantity); err != nil {
			return "", nil, fmt.Errorf("failed to write quantity for %s: %w", p.ProductCode, err)
		}
	}

	path := filepath.Join(os.TempDir(), "pedido_"+uuid.New().String()+".xlsx")
	if err := f.SaveAs(path); err != nil {
		return "", nil, fmt.Errorf("failed to save upload file: %w", err)
	}

	cleanup := func() { os.Remove(path) }
	return path, cleanup, nil
}
