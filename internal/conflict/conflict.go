// Package conflict decides the outcome of rows whose optimistic write failed.
package conflict

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/schema"
	"github.com/marcus/rowsync/internal/syncerr"
)

// Policy names which participant of a session wins a conflict. Remote and
// local refer to session roles, not to the participant applying the row.
type Policy string

const (
	RemoteWins Policy = "remote-wins"
	LocalWins  Policy = "local-wins"
	Merge      Policy = "merge"
	Abort      Policy = "rollback"
)

// DefaultPolicy is the baseline when nothing is configured.
const DefaultPolicy = RemoteWins

// ParsePolicy accepts the policy names plus the server/client aliases.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "remote-wins", "remote_wins", "server-wins", "server_wins":
		return RemoteWins, nil
	case "local-wins", "local_wins", "client-wins", "client_wins":
		return LocalWins, nil
	case "merge":
		return Merge, nil
	case "rollback", "abort":
		return Abort, nil
	}
	return "", errors.Newf("unknown conflict policy %q", s)
}

// MergeFunc synthesizes the row that replaces both sides of a conflict.
type MergeFunc func(ctx context.Context, c *models.Conflict) (models.Row, error)

// Resolver applies a policy. It holds no state, so the same conflict always
// gets the same resolution.
type Resolver struct {
	policy Policy
	merge  MergeFunc
}

// NewResolver builds a resolver. The merge policy requires a MergeFunc.
func NewResolver(policy Policy, merge MergeFunc) (*Resolver, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	switch policy {
	case RemoteWins, LocalWins, Abort:
	case Merge:
		if merge == nil {
			return nil, errors.New("merge policy requires a merge function")
		}
	default:
		return nil, errors.Newf("unknown conflict policy %q", policy)
	}
	return &Resolver{policy: policy, merge: merge}, nil
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve sets c.Resolution (and c.FinalRow for merges) for a conflict
// detected by a participant playing role.
func (r *Resolver) Resolve(ctx context.Context, role models.Role, c *models.Conflict) error {
	switch r.policy {
	case RemoteWins:
		if role == models.RoleRemote {
			c.Resolution = models.KeepExisting
		} else {
			c.Resolution = models.ApplyIncoming
		}
	case LocalWins:
		if role == models.RoleRemote {
			c.Resolution = models.ApplyIncoming
		} else {
			c.Resolution = models.KeepExisting
		}
	case Abort:
		c.Resolution = models.Rollback
	case Merge:
		row, err := r.merge(ctx, c)
		if err != nil {
			return &syncerr.ConflictUnresolvedError{Table: c.Table, Err: errors.Wrap(err, "merge")}
		}
		c.Resolution = models.MergeRow
		c.FinalRow = &row
	}
	return nil
}

// Validate checks the final resolution, which event handlers may have
// changed, before it is applied.
func Validate(t *schema.Table, c *models.Conflict) error {
	switch c.Resolution {
	case models.ApplyIncoming, models.KeepExisting, models.Rollback:
		return nil
	case models.MergeRow:
	default:
		return &syncerr.ConflictUnresolvedError{Table: t.Name, Err: errors.Newf("unknown resolution %q", c.Resolution)}
	}

	if c.FinalRow == nil {
		return &syncerr.ConflictUnresolvedError{Table: t.Name, Err: errors.New("merge resolution without a final row")}
	}
	if len(c.FinalRow.Values) != len(t.Columns) {
		return &syncerr.ConflictUnresolvedError{Table: t.Name,
			Err: errors.Newf("merged row has %d values, want %d", len(c.FinalRow.Values), len(t.Columns))}
	}
	pk := t.PrimaryKeyIndexes()
	if !models.ValuesEqual(c.FinalRow.Key(pk), c.Remote.Key(pk)) {
		return &syncerr.ConflictUnresolvedError{Table: t.Name, Err: errors.New("merged row changes the primary key")}
	}
	return nil
}

// MergeNonNull is the merge used when no custom callback is configured. It
// starts from the incoming row and fills its nil columns from the stored
// row. A deletion on either side wins.
func MergeNonNull(_ context.Context, c *models.Conflict) (models.Row, error) {
	if c.Remote.Tombstone {
		return c.Remote.Clone(), nil
	}
	if c.Local.Tombstone || !c.Local.Exists {
		return c.Remote.Clone(), nil
	}
	if len(c.Local.Values) != len(c.Remote.Values) {
		return models.Row{}, errors.Newf("stored row has %d values, incoming %d", len(c.Local.Values), len(c.Remote.Values))
	}
	row := c.Remote.Clone()
	for i, v := range row.Values {
		if v == nil {
			row.Values[i] = c.Local.Values[i]
		}
	}
	return row, nil
}
