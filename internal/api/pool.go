package api

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/sqlite"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/transport"
)

// ScopePool serves one remote orchestrator per scope, each backed by its own
// SQLite database under dataDir. Databases are opened on first use.
type ScopePool struct {
	mu      sync.RWMutex
	remotes map[string]*orchestrator.Remote
	dbs     map[string]*sqlite.Adapter
	schemas map[string]*schema.Schema
	dataDir string
	opts    orchestrator.Options

	// onOpen runs once per scope, right after its orchestrator is created.
	onOpen func(scope string, r *orchestrator.Remote)
}

var _ transport.Remotes = (*ScopePool)(nil)

// NewScopePool creates a pool serving the given schemas, one scope each.
func NewScopePool(dataDir string, schemas []*schema.Schema, opts orchestrator.Options) *ScopePool {
	p := &ScopePool{
		remotes: make(map[string]*orchestrator.Remote),
		dbs:     make(map[string]*sqlite.Adapter),
		schemas: make(map[string]*schema.Schema, len(schemas)),
		dataDir: dataDir,
		opts:    opts,
	}
	for _, s := range schemas {
		p.schemas[s.Name] = s
	}
	return p
}

// Scopes returns the served scope names in order.
func (p *ScopePool) Scopes() []string {
	names := make([]string, 0, len(p.schemas))
	for name := range p.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remote returns the orchestrator for scope, opening its database lazily.
func (p *ScopePool) Remote(_ context.Context, scope string) (*orchestrator.Remote, error) {
	p.mu.RLock()
	r, ok := p.remotes[scope]
	p.mu.RUnlock()
	if ok {
		return r, nil
	}

	s, ok := p.schemas[scope]
	if !ok {
		return nil, errors.Wrapf(syncerr.ErrScopeNotFound, "scope %s", scope)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if r, ok := p.remotes[scope]; ok {
		return r, nil
	}

	db, err := sqlite.Open(filepath.Join(p.dataDir, scope+".db"))
	if err != nil {
		return nil, errors.Wrapf(err, "open scope %s", scope)
	}
	r, err = orchestrator.NewRemote(db, scope, s, p.opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	if p.onOpen != nil {
		p.onOpen(scope, r)
	}

	p.dbs[scope] = db
	p.remotes[scope] = r
	slog.Debug("scope opened", "scope", scope, "db", db.Path())
	return r, nil
}

// Ping checks every open scope database.
func (p *ScopePool) Ping() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for scope, db := range p.dbs {
		if err := db.Ping(); err != nil {
			return errors.Wrapf(err, "scope %s", scope)
		}
	}
	return nil
}

// CloseAll closes all open scope databases.
func (p *ScopePool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for scope, db := range p.dbs {
		if err := db.Close(); err != nil {
			slog.Warn("close scope db", "scope", scope, "err", err)
		}
		delete(p.dbs, scope)
		delete(p.remotes, scope)
	}
}
