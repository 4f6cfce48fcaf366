// Package models provides the data model shared by every tablemirror
// component: rows and column descriptors produced by extraction, the
// batches handed to the Load Coordinator, and the durable table state and
// manifest kept by the State Store.
package models

import (
	"strings"
)

// Row is one extracted source row. Values are positional and follow the
// order of the batch schema.
type Row []interface{}

// ColumnType is the engine-wide type lattice every source and warehouse
// type is mapped onto.
type ColumnType string

const (
	TypeBool      ColumnType = "bool"
	TypeInt       ColumnType = "int"
	TypeFloat     ColumnType = "float"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
	TypeString    ColumnType = "string"
	TypeJSON      ColumnType = "json"
	TypeBinary    ColumnType = "binary"
)

// Valid reports whether t is part of the lattice.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeBool, TypeInt, TypeFloat, TypeDate, TypeTimestamp, TypeString, TypeJSON, TypeBinary:
		return true
	}
	return false
}

// ColumnDescriptor describes one column of a batch or of the target catalog.
type ColumnDescriptor struct {
	// Name is case-folded to the catalog convention
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
	Ordinal  int        `json:"ordinal"`
}

// ColumnChange widens an existing catalog column to a supertype.
type ColumnChange struct {
	Name string     `json:"name"`
	From ColumnType `json:"from"`
	To   ColumnType `json:"to"`
}

// SchemaDiff is the additive change set between a batch and the catalog.
// Columns are never removed or renamed.
type SchemaDiff struct {
	Added   []ColumnDescriptor `json:"added"`
	Widened []ColumnChange     `json:"widened,omitempty"`
}

// Empty reports whether the diff requires no catalog change.
func (d SchemaDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Widened) == 0
}

// CaseConvention is the identifier folding a catalog applies.
type CaseConvention int

const (
	// UpperCase folds identifiers to upper case (Snowflake)
	UpperCase CaseConvention = iota
	// LowerCase folds identifiers to lower case (BigQuery, PostgreSQL)
	LowerCase
)

// Fold applies the convention to an identifier.
func (c CaseConvention) Fold(name string) string {
	if c == LowerCase {
		return strings.ToLower(name)
	}
	return strings.ToUpper(name)
}

// FoldColumns returns a copy of cols with every name folded by c.
func FoldColumns(cols []ColumnDescriptor, c CaseConvention) []ColumnDescriptor {
	out := make([]ColumnDescriptor, len(cols))
	for i, col := range cols {
		col.Name = c.Fold(col.Name)
		out[i] = col
	}
	return out
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []ColumnDescriptor) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
