// Package discovery defines the contract between the reconcile loop and the
// platform's instance directory, plus small adapters shared by all backends.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pingsantohq/hostsync/pkg/types"
)

// ErrUnavailable marks a failed directory query. The reconcile loop treats it as
// a reason to skip the current cycle.
var ErrUnavailable = errors.New("discovery unavailable")

// Instance is one running member of a role as reported by the directory.
type Instance struct {
	ID      string `json:"instance_id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
}

// Source returns the running instances of a role and the address bound to the
// monitored service port of each one.
type Source interface {
	FetchInstances(ctx context.Context, role string) ([]Instance, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, role string) ([]Instance, error)

func (f SourceFunc) FetchInstances(ctx context.Context, role string) ([]Instance, error) {
	return f(ctx, role)
}

// UnavailableError carries the backend name and cause of a failed query.
type UnavailableError struct {
	Source string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds. It returns
// nil for a nil error and leaves already wrapped errors untouched.
func Unavailable(source string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &UnavailableError{Source: source, Err: err}
}

// Static serves a fixed instance list per role. Unknown roles have no instances.
type Static map[string][]Instance

func (s Static) FetchInstances(ctx context.Context, role string) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("static", err)
	}
	return append([]Instance(nil), s[role]...), nil
}

type timeoutSource struct {
	src     Source
	timeout time.Duration
}

// WithTimeout bounds each FetchInstances call. A zero or negative timeout
// returns src unchanged.
func WithTimeout(src Source, timeout time.Duration) Source {
	if timeout <= 0 {
		return src
	}
	return timeoutSource{src: src, timeout: timeout}
}

func (t timeoutSource) FetchInstances(ctx context.Context, role string) ([]Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	instances, err := t.src.FetchInstances(ctx, role)
	if err != nil {
		return nil, Unavailable("timeout", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, Unavailable("timeout", ctxErr)
	}
	return instances, nil
}

// ParseRecord decodes a registry value stored under id. The value is either a
// JSON instance record or a bare address; a record without instance_id takes
// id.
func ParseRecord(id string, value []byte) (Instance, error) {
	value = bytes.TrimSpace(value)
	if len(value) > 0 && value[0] == '{' {
		var rec types.InstanceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return Instance{}, err
		}
		if rec.InstanceID == "" {
			rec.InstanceID = id
		}
		return Instance{ID: rec.InstanceID, Address: rec.Address}, nil
	}
	return Instance{ID: id, Address: string(value)}, nil
}
