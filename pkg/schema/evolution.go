// Package schema reconciles extracted batch schemas with the target catalog.
//
// Evolution is additive only: new batch columns are added as nullable,
// catalog columns missing from a batch are left alone, and conflicting
// types are widened to their common supertype or rejected with a
// CastError. Columns are never dropped or renamed.
package schema

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// Resolver computes the catalog changes a batch needs.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve diffs batch columns against catalog columns. Names are compared
// after folding both sides to conv. An empty catalog yields every batch
// column as Added.
func (r *Resolver) Resolve(batch, catalog []models.ColumnDescriptor, conv models.CaseConvention) (models.SchemaDiff, error) {
	existing := make(map[string]models.ColumnDescriptor, len(catalog))
	for _, c := range catalog {
		existing[conv.Fold(c.Name)] = c
	}

	var diff models.SchemaDiff
	seen := make(map[string]string, len(batch))

	for _, col := range batch {
		name := conv.Fold(col.Name)
		if prev, dup := seen[name]; dup {
			return models.SchemaDiff{}, errors.Newf(errors.ErrorTypeSchemaConflict,
				"columns %q and %q collide as %q in the target catalog", prev, col.Name, name)
		}
		seen[name] = col.Name

		if !col.Type.Valid() {
			return models.SchemaDiff{}, errors.Newf(errors.ErrorTypeSchemaConflict,
				"column %q has unknown type %q", col.Name, col.Type)
		}

		cat, ok := existing[name]
		if !ok {
			diff.Added = append(diff.Added, models.ColumnDescriptor{
				Name:     name,
				Type:     col.Type,
				Nullable: true,
				Ordinal:  len(catalog) + len(diff.Added),
			})
			continue
		}

		if cat.Type == col.Type {
			continue
		}
		st, ok := Supertype(cat.Type, col.Type)
		if !ok {
			return models.SchemaDiff{}, errors.Newf(errors.ErrorTypeCast,
				"column %s: %s in batch cannot be reconciled with %s in catalog", name, col.Type, cat.Type).
				WithDetail("column", name)
		}
		if st != cat.Type {
			diff.Widened = append(diff.Widened, models.ColumnChange{Name: name, From: cat.Type, To: st})
		}
	}

	if !diff.Empty() {
		r.logger.Info("schema drift detected",
			zap.Strings("added", models.ColumnNames(diff.Added)),
			zap.Int("widened", len(diff.Widened)))
	}
	return diff, nil
}

// Apply returns catalog with diff applied.
func Apply(catalog []models.ColumnDescriptor, diff models.SchemaDiff, conv models.CaseConvention) []models.ColumnDescriptor {
	out := make([]models.ColumnDescriptor, 0, len(catalog)+len(diff.Added))
	widened := make(map[string]models.ColumnType, len(diff.Widened))
	for _, w := range diff.Widened {
		widened[conv.Fold(w.Name)] = w.To
	}
	for _, c := range catalog {
		if t, ok := widened[conv.Fold(c.Name)]; ok {
			c.Type = t
		}
		out = append(out, c)
	}
	for _, a := range diff.Added {
		a.Ordinal = len(out)
		out = append(out, a)
	}
	return out
}

// Merge joins two batch schemas into one covering both, in first-seen
// order. It is used when several historical files are loaded as one.
func Merge(a, b []models.ColumnDescriptor, conv models.CaseConvention) ([]models.ColumnDescriptor, error) {
	out := append([]models.ColumnDescriptor(nil), a...)
	index := make(map[string]int, len(out))
	for i, c := range out {
		index[conv.Fold(c.Name)] = i
	}

	for _, c := range b {
		i, ok := index[conv.Fold(c.Name)]
		if !ok {
			c.Ordinal = len(out)
			c.Nullable = true
			index[conv.Fold(c.Name)] = len(out)
			out = append(out, c)
			continue
		}
		st, ok := Supertype(out[i].Type, c.Type)
		if !ok {
			return nil, errors.New(errors.ErrorTypeCast,
				fmt.Sprintf("column %s: %s and %s have no common type", c.Name, out[i].Type, c.Type))
		}
		out[i].Type = st
		out[i].Nullable = out[i].Nullable || c.Nullable
	}
	return out, nil
}
