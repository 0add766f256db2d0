package ingest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestParseCSVGroupsByConsultora(t *testing.T) {
	data := `consultora_code,consultora_name,product_code,quantity
1001,Maria,P1,2
1001,Maria,P2,1
1002,Ana,P3,5
`
	orders, err := ParseFile("orders.csv", strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "1001", orders[0].ConsultoraCode)
	assert.Equal(t, "Maria", orders[0].ConsultoraName)
	require.Len(t, orders[0].Products, 2)
	assert.Equal(t, "P1", orders[0].Products[0].ProductCode)
	assert.Equal(t, 2, orders[0].Products[0].Quantity)

	assert.Equal(t, "1002", orders[1].ConsultoraCode)
	require.Len(t, orders[1].Products, 1)
	assert.Equal(t, 5, orders[1].Products[0].Quantity)
}

func TestParseHeaderToleratesCaseAndWhitespace(t *testing.T) {
	data := ` Consultora Code , Product-Code , QUANTITY
1001,P1,3
`
	orders, err := ParseFile("orders.csv", strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 3, orders[0].Products[0].Quantity)
}

func TestParseQuantityDefaultsToOne(t *testing.T) {
	data := `consultora_code,product_code,quantity
1001,P1,
1001,P2,abc
1001,P3,0
`
	orders, err := ParseFile("orders.csv", strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	for _, p := range orders[0].Products {
		assert.Equal(t, 1, p.Quantity)
	}
}

func TestParsePreservesRowAndProductCounts(t *testing.T) {
	// N unique codes, M total rows -> N orders, M products.
	data := `consultora_code,product_code,quantity
A,P1,1
B,P2,1
A,P3,1
C,P4,1
B,P5,1
`
	orders, err := ParseFile("orders.csv", strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, orders, 3)

	total := 0
	for _, o := range orders {
		total += len(o.Products)
	}
	assert.Equal(t, 5, total)
	// First-seen ordering.
	assert.Equal(t, "A", orders[0].ConsultoraCode)
	assert.Equal(t, "B", orders[1].ConsultoraCode)
	assert.Equal(t, "C", orders[2].ConsultoraCode)
}

func TestParseRejectsMissingColumns(t *testing.T) {
	data := `consultora_code,product_code
1001,P1
`
	_, err := ParseFile("orders.csv", strings.NewReader(data))
	assert.ErrorContains(t, err, "quantity")
}

func TestParseRejectsEmptyFileAndUnknownType(t *testing.T) {
	_, err := ParseFile("orders.csv", strings.NewReader("consultora_code,product_code,quantity\n"))
	assert.Error(t, err)

	_, err = ParseFile("orders.pdf", strings.NewReader("x"))
	assert.ErrorContains(t, err, "unsupported file type")
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"consultora_code", "product_code", "quantity"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"2001", "X1", 4}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"2001", "X2", 1}))

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	orders, err := ParseFile("orders.xlsx", &buf)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "2001", orders[0].ConsultoraCode)
	require.Len(t, orders[0].Products, 2)
	assert.Equal(t, 4, orders[0].Products[0].Quantity)
}
