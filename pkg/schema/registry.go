package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/models"
)

// CatalogVersion is a snapshot of a target table's columns.
type CatalogVersion struct {
	Version     int                       `json:"version"`
	Columns     []models.ColumnDescriptor `json:"columns"`
	Fingerprint string                    `json:"fingerprint"`
	ObservedAt  time.Time                 `json:"observed_at"`
}

// Registry caches the last known catalog of every target table so batches
// of one run do not describe the warehouse table again. The warehouse stays
// the source of truth; Invalidate drops a table after a failed change.
type Registry struct {
	mu       sync.RWMutex
	catalogs map[string]*CatalogVersion
	logger   *zap.Logger

	onSchemaChange []func(tableID string, old, new *CatalogVersion)
}

// NewRegistry creates a new catalog registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		catalogs: make(map[string]*CatalogVersion),
		logger:   logger,
	}
}

// Get returns the cached catalog of a table.
func (r *Registry) Get(tableID string) (*CatalogVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.catalogs[tableID]
	return v, ok
}

// Observe records the columns described from the warehouse. The version is
// bumped only when the column set differs from the cached one.
func (r *Registry) Observe(tableID string, cols []models.ColumnDescriptor) *CatalogVersion {
	fp := fingerprint(cols)

	r.mu.Lock()
	old := r.catalogs[tableID]
	if old != nil && old.Fingerprint == fp {
		r.mu.Unlock()
		return old
	}
	next := &CatalogVersion{
		Version:     1,
		Columns:     append([]models.ColumnDescriptor(nil), cols...),
		Fingerprint: fp,
		ObservedAt:  time.Now(),
	}
	if old != nil {
		next.Version = old.Version + 1
	}
	r.catalogs[tableID] = next
	hooks := r.onSchemaChange
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("catalog changed",
			zap.String("table_id", tableID),
			zap.Int("from_version", old.Version),
			zap.Int("to_version", next.Version))
	}
	for _, fn := range hooks {
		fn(tableID, old, next)
	}
	return next
}

// ApplyDiff records a catalog change that the warehouse accepted.
func (r *Registry) ApplyDiff(tableID string, diff models.SchemaDiff, conv models.CaseConvention) *CatalogVersion {
	r.mu.RLock()
	var cols []models.ColumnDescriptor
	if cur := r.catalogs[tableID]; cur != nil {
		cols = cur.Columns
	}
	r.mu.RUnlock()
	return r.Observe(tableID, Apply(cols, diff, conv))
}

// Invalidate forgets a table.
func (r *Registry) Invalidate(tableID string) {
	r.mu.Lock()
	delete(r.catalogs, tableID)
	r.mu.Unlock()
}

// OnSchemaChange registers a callback fired when a table's catalog changes.
func (r *Registry) OnSchemaChange(callback func(tableID string, old, new *CatalogVersion)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSchemaChange = append(r.onSchemaChange, callback)
}

// fingerprint hashes the sorted name:type pairs of cols.
func fingerprint(cols []models.ColumnDescriptor) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = strings.ToLower(c.Name) + ":" + string(c.Type)
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}
