// Package source defines how tablemirror reads relational source tables.
// Engine implementations live in the postgres and mysql subpackages.
package source

import (
	"context"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// Column describes a source column.
type Column struct {
	Name string
	// DataType is the engine's own type name, e.g. "character varying"
	DataType string
	// Type is the lattice type DataType maps to; empty when unknown
	Type     models.ColumnType
	Nullable bool
	Ordinal  int
}

// Descriptor converts the column to a batch column descriptor.
func (c Column) Descriptor() models.ColumnDescriptor {
	return models.ColumnDescriptor{
		Name:     c.Name,
		Type:     c.Type,
		Nullable: c.Nullable,
		Ordinal:  c.Ordinal,
	}
}

// Query describes one extraction read.
type Query struct {
	Table string
	// Fields restricts the projection; empty selects every column
	Fields []string
	// Filter is an operator-supplied predicate ANDed into the WHERE clause
	Filter string
	// WatermarkColumn orders the read when set
	WatermarkColumn string
	// After, when set, restricts the read to WatermarkColumn > After
	After *models.Watermark
}

// Reader reads from one source database.
type Reader interface {
	// Describe returns the columns of a table in ordinal order.
	Describe(ctx context.Context, table string) ([]Column, error)
	// Open starts a read. The cursor must be closed.
	Open(ctx context.Context, q Query) (Cursor, error)
	// Tables lists the tables visible in the configured schema.
	Tables(ctx context.Context) ([]string, error)
	Close() error
}

// Cursor streams the rows of an open read.
type Cursor interface {
	// Columns returns the projected columns in row order.
	Columns() []Column
	// Next returns up to max rows. An empty slice means the read is done.
	Next(ctx context.Context, max int) ([]models.Row, error)
	Close() error
}
