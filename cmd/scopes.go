package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/sqlite"
)

// workspace is the local side every scope command works on: one database
// shared by one orchestrator per configured scope.
type workspace struct {
	db     *sqlite.Adapter
	locals []*orchestrator.Local
}

func openWorkspace() (*workspace, error) {
	schemas, err := cfg.LoadSchemas()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	db, err := sqlite.Open(cfg.Database)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Database)
	}

	ws := &workspace{db: db}
	for _, s := range schemas {
		l, err := orchestrator.NewLocal(db, s.Name, s, opts)
		if err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "scope %s", s.Name)
		}
		ws.locals = append(ws.locals, l)
	}
	return ws, nil
}

func (ws *workspace) Close() error {
	return ws.db.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
