package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/marcus/rowsync/internal/adapter"
	"github.com/marcus/rowsync/internal/events"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/version"
)

// Provision creates the sync scaffolding selected by flags in one
// transaction and returns the provisioned schema. With overwrite, existing
// tracking structures are dropped and rebuilt.
func (b *Base) Provision(ctx context.Context, flags models.ProvisionFlags, overwrite bool) (*schema.Schema, error) {
	if flags.Has(models.ProvisionScopeHistory) && b.role != models.RoleRemote {
		return nil, &syncerr.ProvisioningError{Scope: b.scope,
			Err: errors.New("scope history can only be provisioned on the remote participant")}
	}
	sc := models.SyncContext{SessionID: uuid.NewString(), ScopeName: b.scope, Stage: models.StageProvisioning}

	err := b.runInTransaction(ctx, sc, nil, func(ctx context.Context, tx adapter.Tx) error {
		_, err := b.provision(ctx, tx, sc, flags, overwrite)
		return err
	})
	if err != nil {
		return nil, wrapProvisioning(b.scope, err)
	}
	b.log.Info("scope provisioned", "tables", len(b.order), "flags", int(flags), "overwrite", overwrite)
	return b.schema, nil
}

func wrapProvisioning(scope string, err error) error {
	var pe *syncerr.ProvisioningError
	if errors.As(err, &pe) || syncerr.IsCancelled(err) {
		return err
	}
	return &syncerr.ProvisioningError{Scope: scope, Err: err}
}

// provision runs inside an open transaction and returns the scope record
// (nil when scope flags were not requested).
func (b *Base) provision(ctx context.Context, tx adapter.Tx, sc models.SyncContext, flags models.ProvisionFlags, overwrite bool) (*models.ScopeInfo, error) {
	for _, t := range b.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.dispatch(ctx, &events.ProvisionTableStartArgs{Base: b.base(sc), Table: t.Name, Flags: flags}); err != nil {
			return nil, err
		}
		created := false
		if flags.Has(models.ProvisionTable) {
			ok, err := tx.EnsureTable(ctx, t)
			if err != nil {
				return nil, &syncerr.ProvisioningError{Scope: b.scope, Table: t.Name, Err: err}
			}
			created = created || ok
		}
		if flags.Has(models.ProvisionTracking) {
			ok, err := tx.EnsureTrackingInfrastructure(ctx, t, overwrite)
			if err != nil {
				return nil, &syncerr.ProvisioningError{Scope: b.scope, Table: t.Name, Err: err}
			}
			created = created || ok
		}
		if err := b.dispatch(ctx, &events.ProvisionTableEndArgs{Base: b.base(sc), Table: t.Name, Created: created}); err != nil {
			return nil, err
		}
	}

	if !flags.Has(models.ProvisionScope) && !flags.Has(models.ProvisionScopeHistory) {
		return nil, nil
	}
	if err := tx.EnsureScopeInfrastructure(ctx, flags.Has(models.ProvisionScopeHistory)); err != nil {
		return nil, &syncerr.ProvisioningError{Scope: b.scope, Err: err}
	}
	if !flags.Has(models.ProvisionScope) {
		return nil, nil
	}

	s, err := tx.ReadScope(ctx, b.scope)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(b.schema)
	if err != nil {
		return nil, errors.Wrap(err, "encode schema")
	}
	if s == nil {
		s = &models.ScopeInfo{Name: b.scope, ID: uuid.NewString()}
	}
	s.SchemaHash = b.schema.Hash()
	s.Schema = string(raw)
	s.ProtocolVersion = version.Protocol
	if err := tx.WriteScope(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Deprovision drops the sync scaffolding selected by flags in one
// transaction. Base tables and their rows are never touched.
func (b *Base) Deprovision(ctx context.Context, flags models.ProvisionFlags) error {
	if flags.Has(models.ProvisionScopeHistory) && b.role != models.RoleRemote {
		return &syncerr.ProvisioningError{Scope: b.scope,
			Err: errors.New("scope history only exists on the remote participant")}
	}
	sc := models.SyncContext{SessionID: uuid.NewString(), ScopeName: b.scope, Stage: models.StageDeprovisioning}

	err := b.runInTransaction(ctx, sc, nil, func(ctx context.Context, tx adapter.Tx) error {
		if flags.Has(models.ProvisionTracking) {
			for i := len(b.order) - 1; i >= 0; i-- {
				t := b.order[i]
				if _, err := tx.DropTrackingInfrastructure(ctx, t); err != nil {
					return &syncerr.ProvisioningError{Scope: b.scope, Table: t.Name, Err: err}
				}
			}
		}
		if flags.Has(models.ProvisionScope) {
			if err := tx.DeleteScope(ctx, b.scope); err != nil {
				return err
			}
			if _, err := tx.DropScopeInfrastructure(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapProvisioning(b.scope, err)
	}
	b.log.Info("scope deprovisioned", "flags", int(flags))
	return nil
}

// checkSchema compares a stored scope with the configured schema.
func (b *Base) checkSchema(s *models.ScopeInfo) error {
	if s.SchemaHash == b.schema.Hash() {
		return nil
	}
	diff := []string{"stored schema hash " + s.SchemaHash + " differs from " + b.schema.Hash()}
	if s.Schema != "" {
		var stored schema.Schema
		if err := json.Unmarshal([]byte(s.Schema), &stored); err == nil {
			diff = stored.Diff(b.schema)
		}
	}
	return syncerr.NewSchemaMismatch(b.scope, diff)
}
