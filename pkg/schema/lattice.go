package schema

import "github.com/ajitpratap0/tablemirror/pkg/models"

// rank orders the members of each widening chain. Types on the same chain
// widen to the higher rank; types on different chains meet at string.
var rank = map[models.ColumnType]struct {
	chain int
	level int
}{
	models.TypeBool:      {chain: 1, level: 0},
	models.TypeInt:       {chain: 1, level: 1},
	models.TypeFloat:     {chain: 1, level: 2},
	models.TypeDate:      {chain: 2, level: 0},
	models.TypeTimestamp: {chain: 2, level: 1},
}

// Supertype returns the smallest type both a and b widen to.
//
//	int ∨ float       = float
//	bool ∨ int        = int
//	date ∨ timestamp  = timestamp
//	scalar ∨ string   = string
//	json ∨ string     = string
//
// binary joins with nothing but itself, json with nothing but itself and
// string; ok is false in those cases.
func Supertype(a, b models.ColumnType) (models.ColumnType, bool) {
	if a == b {
		return a, true
	}
	if a == models.TypeBinary || b == models.TypeBinary {
		return "", false
	}
	if a == models.TypeJSON || b == models.TypeJSON {
		if a == models.TypeString || b == models.TypeString {
			return models.TypeString, true
		}
		return "", false
	}
	if a == models.TypeString || b == models.TypeString {
		return models.TypeString, true
	}

	ra, okA := rank[a]
	rb, okB := rank[b]
	if !okA || !okB {
		return "", false
	}
	if ra.chain != rb.chain {
		return models.TypeString, true
	}
	if ra.level >= rb.level {
		return a, true
	}
	return b, true
}

// Subsumes reports whether values of type t can be stored in a column of
// type catalog without changing the column.
func Subsumes(catalog, t models.ColumnType) bool {
	st, ok := Supertype(catalog, t)
	return ok && st == catalog
}
