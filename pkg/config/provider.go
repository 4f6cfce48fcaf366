package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
)

// Provider serves the replication files of a directory. The table
// definitions are fixed at construction; only the enabled flags
// (config_enabled, replicate) are re-read by Refresh.
type Provider struct {
	paths        []string
	replications []*Replication
	problems     []error

	mu      sync.RWMutex
	enabled map[string]bool
}

// ConfigFiles lists the .yaml and .yml files of dir in lexical order.
func ConfigFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("read configs directory %s", dir))
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no configuration files found in %s", dir)
	}
	return paths, nil
}

// NewProvider loads every replication file in dir. A file that fails to
// load is recorded in Problems and contributes no tables.
func NewProvider(dir string) (*Provider, error) {
	paths, err := ConfigFiles(dir)
	if err != nil {
		return nil, err
	}
	return NewProviderFromFiles(paths...)
}

// NewProviderFromFiles loads the given replication files.
func NewProviderFromFiles(paths ...string) (*Provider, error) {
	p := &Provider{paths: paths, enabled: make(map[string]bool)}

	ids := make(map[string]string)
	for _, path := range paths {
		r, err := LoadReplication(path)
		if err != nil {
			p.problems = append(p.problems, err)
			continue
		}
		for _, t := range r.Tables {
			if prev, dup := ids[t.ID]; dup {
				return nil, errors.Newf(errors.ErrorTypeConfig,
					"table %s is mirrored by both %s and %s", t.ID, prev, r.Name)
			}
			ids[t.ID] = r.Name
			p.enabled[t.ID] = r.Enabled && t.Replicate
		}
		for _, rej := range r.Rejected {
			p.problems = append(p.problems, errors.Propagate(rej.Err, r.Name))
		}
		p.replications = append(p.replications, r)
	}
	return p, nil
}

// Replications returns the successfully loaded replication files.
func (p *Provider) Replications() []*Replication {
	return p.replications
}

// Problems returns the configuration errors found at load time.
func (p *Provider) Problems() []error {
	return p.problems
}

// Table looks up a table definition by id.
func (p *Provider) Table(tableID string) (*Replication, TableConfig, bool) {
	for _, r := range p.replications {
		for _, t := range r.Tables {
			if t.ID == tableID {
				return r, t, true
			}
		}
	}
	return nil, TableConfig{}, false
}

// Enabled reports whether a table should run in the current cycle.
func (p *Provider) Enabled(tableID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled[tableID]
}

// Refresh re-reads the enabled flags of every known table. Tables added to
// a file after startup are ignored. A file that no longer parses keeps its
// previous flags and is reported in the returned error.
func (p *Provider) Refresh() error {
	next := make(map[string]bool)
	p.mu.RLock()
	for id, on := range p.enabled {
		next[id] = on
	}
	p.mu.RUnlock()

	var failed []string
	for _, path := range p.paths {
		r, err := LoadReplication(path)
		if err != nil {
			failed = append(failed, err.Error())
			continue
		}
		for _, t := range r.Tables {
			if _, known := next[t.ID]; known {
				next[t.ID] = r.Enabled && t.Replicate
			}
		}
		for _, rej := range r.Rejected {
			if _, known := next[rej.TableID]; known {
				next[rej.TableID] = false
			}
		}
	}

	p.mu.Lock()
	p.enabled = next
	p.mu.Unlock()

	if len(failed) > 0 {
		return errors.Newf(errors.ErrorTypeConfig, "refresh: %s", strings.Join(failed, "; "))
	}
	return nil
}
