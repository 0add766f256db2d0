package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"github.com/xuri/excelize/v2"
)

// Recognized column names after normalization (lowercase, trimmed, spaces
// and dashes folded to underscores).
const (
	colConsultoraCode = "consultora_code"
	colConsultoraName = "consultora_name"
	colProductCode    = "product_code"
	colQuantity       = "quantity"
)

// ParseFile reads a CSV or spreadsheet upload and groups its rows into
// orders: rows sharing a consultora code become one order with multiple
// products, preserving first-seen order. Quantities default to 1 when
// missing or non-numeric.
func ParseFile(filename string, r io.Reader) ([]interfaces.NewOrder, error) {
	var rows [][]string
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		rows, err = readCSV(r)
	case ".xlsx", ".xlsm", ".xls":
		rows, err = readExcel(r)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(filename))
	}
	if err != nil {
		return nil, err
	}

	return groupRows(rows)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	return rows, nil
}

func readExcel(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read spreadsheet rows: %w", err)
	}
	return rows, nil
}

// groupRows maps the header, validates required columns and folds data rows
// into per-consultora orders.
func groupRows(rows [][]string) ([]interfaces.NewOrder, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("file has no data rows")
	}

	cols := map[string]int{}
	for i, name := range rows[0] {
		cols[normalizeHeader(name)] = i
	}
	for _, required := range []string{colConsultoraCode, colProductCode, colQuantity} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column: %s", required)
		}
	}

	byCode := map[string]*interfaces.NewOrder{}
	var order []string

	for _, row := range rows[1:] {
		code := strings.TrimSpace(cell(row, cols[colConsultoraCode]))
		productCode := strings.TrimSpace(cell(row, cols[colProductCode]))
		if code == "" && productCode == "" {
			continue // blank line
		}
		if code == "" || productCode == "" {
			return nil, fmt.Errorf("row with missing consultora or product code: %v", row)
		}

		entry, ok := byCode[code]
		if !ok {
			entry = &interfaces.NewOrder{ConsultoraCode: code}
			if idx, has := cols[colConsultoraName]; has {
				entry.ConsultoraName = strings.TrimSpace(cell(row, idx))
			}
			byCode[code] = entry
			order = append(order, code)
		}

		entry.Products = append(entry.Products, models.ProductRef{
			ProductCode: productCode,
			Quantity:    parseQuantity(cell(row, cols[colQuantity])),
		})
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("file contains no orders")
	}

	result := make([]interfaces.NewOrder, len(order))
	for i, code := range order {
		result[i] = *byCode[code]
	}
	return result, nil
}

func normalizeHeader(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func parseQuantity(raw string) int {
	q, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || q < 1 {
		return 1
	}
	return q
}
