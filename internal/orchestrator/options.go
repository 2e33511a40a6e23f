package orchestrator

import (
	"time"

	"github.com/marcus/rowsync/internal/batch"
	"github.com/marcus/rowsync/internal/conflict"
)

// Defaults for Options fields left at their zero value.
const (
	DefaultMaxRetries    = 5
	DefaultRetryInterval = 200 * time.Millisecond
)

// Options configures an orchestrator. All configuration is passed at
// construction; nothing is read from globals.
type Options struct {
	// Policy decides conflicts. Empty means conflict.DefaultPolicy.
	Policy conflict.Policy
	// Merge is required with conflict.Merge.
	Merge conflict.MergeFunc
	// Budget bounds each outgoing batch part.
	Budget batch.Budget
	// SpoolDir holds outgoing batches on disk. Empty keeps them in memory.
	SpoolDir string
	// SpoolKey, when set, encrypts spooled parts. See crypto.GenerateKey.
	SpoolKey []byte
	// MaxRetries bounds whole-transaction retries of transient failures.
	// Negative disables retries.
	MaxRetries int
	// RetryInterval is the first backoff wait; later waits grow exponentially.
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Budget.MaxRows <= 0 && o.Budget.MaxBytes <= 0 {
		o.Budget = batch.DefaultBudget
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}
