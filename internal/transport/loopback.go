package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Loopback connects a client to an in-process Handler. Envelopes go through
// a JSON round trip in both directions, so the exchange sees exactly what a
// network peer would.
type Loopback struct {
	Handler *Handler
	// Intercept, when set, sees every request before the handler does.
	// A non-nil error is returned to the caller in place of a response.
	Intercept func(env *Envelope) error
}

func (l *Loopback) Send(ctx context.Context, env *Envelope) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := roundTrip(env)
	if err != nil {
		return nil, errors.Wrap(err, "loopback request")
	}
	if l.Intercept != nil {
		if err := l.Intercept(req); err != nil {
			return nil, err
		}
	}
	resp, err := roundTrip(l.Handler.Handle(ctx, req))
	if err != nil {
		return nil, errors.Wrap(err, "loopback response")
	}
	return resp, nil
}

func roundTrip(env *Envelope) (*Envelope, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := &Envelope{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
