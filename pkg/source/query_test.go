package source

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

type pgDialect struct{}

func (pgDialect) QuoteIdent(s string) string { return `"` + s + `"` }
func (pgDialect) Placeholder(n int) string  { return "$" + strconv.Itoa(n) }

func TestBuildSelect(t *testing.T) {
	wm := &models.Watermark{Kind: models.WatermarkInt, Int: 100}

	tests := []struct {
		name     string
		q        Query
		wantSQL  string
		wantArgs []interface{}
	}{
		{
			name:    "full load",
			q:       Query{Table: "countries"},
			wantSQL: `SELECT * FROM "public"."countries"`,
		},
		{
			name:    "full load with filter and fields",
			q:       Query{Table: "countries", Fields: []string{"id", "name"}, Filter: "active = true"},
			wantSQL: `SELECT "id", "name" FROM "public"."countries" WHERE (active = true)`,
		},
		{
			name:    "first incremental run",
			q:       Query{Table: "orders", WatermarkColumn: "id"},
			wantSQL: `SELECT * FROM "public"."orders" ORDER BY "id" ASC`,
		},
		{
			name:     "incremental with filter",
			q:        Query{Table: "orders", WatermarkColumn: "id", After: wm, Filter: "status <> 'void'"},
			wantSQL:  `SELECT * FROM "public"."orders" WHERE "id" > $1 AND (status <> 'void') ORDER BY "id" ASC`,
			wantArgs: []interface{}{int64(100)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := BuildSelect(pgDialect{}, "public", tt.q)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}
