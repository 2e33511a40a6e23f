package cmd

import (
	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/filelock"
	"github.com/marcus/rowsync/internal/output"
	"github.com/marcus/rowsync/internal/syncerr"
	"github.com/marcus/rowsync/internal/transport"
)

// Exit codes beyond the generic 1.
const (
	exitSchemaMismatch = 2
	exitPartialSync    = 3
	exitLocked         = 4
	exitUnreachable    = 5
)

// classify maps an error to its JSON error code and exit code.
func classify(err error) (string, int) {
	var (
		mismatch  *syncerr.SchemaMismatchError
		partial   *syncerr.PartialSyncError
		transient *syncerr.TransientConnectionError
	)
	switch {
	case errors.As(err, &mismatch):
		return output.ErrCodeSchemaMismatch, exitSchemaMismatch
	case errors.As(err, &partial):
		return output.ErrCodePartialSync, exitPartialSync
	case errors.Is(err, filelock.ErrTimeout):
		return output.ErrCodeLocked, exitLocked
	case errors.As(err, &transient), errors.Is(err, transport.ErrRateLimited):
		return output.ErrCodeUnreachable, exitUnreachable
	}
	return output.ErrCodeSyncFailed, 1
}

func exitCode(err error) int {
	_, code := classify(err)
	return code
}

// reportError prints err with its hints and, for schema mismatches, the diff.
func reportError(err error) {
	code, _ := classify(err)
	var mismatch *syncerr.SchemaMismatchError
	hasDiff := errors.As(err, &mismatch)

	if jsonOut {
		details := map[string]interface{}{}
		if hasDiff {
			details["diff"] = mismatch.Diff
		}
		if hints := errors.GetAllHints(err); len(hints) > 0 {
			details["hints"] = hints
		}
		output.JSONErrorWithDetails(code, err.Error(), details)
		return
	}

	output.Error("%v", err)
	if hasDiff {
		output.Info("%s", output.SectionHeader("schema diff"))
		for _, line := range output.BulletList(mismatch.Diff, 2) {
			output.Info("%s", line)
		}
	}
	for _, hint := range errors.GetAllHints(err) {
		output.Info("hint: %s", hint)
	}
}
