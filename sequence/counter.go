/*
Package sequence hands out human-readable sequential identifiers
("0001", "0002", ... "10000").

PURPOSE:
  Client numbers, receipt numbers and similar ids must never repeat for a
  key, even when many requests ask for one at the same time.

ALGORITHM (Counter.Next):
  Explicit compare-and-swap loop on the counter document:

    1. Read counters/{key}. Absent means value 0.
    2. Compute value+1.
    3. Commit OpCreate (absent) or OpUpdate guarded by the read version.
    4. On a version conflict another caller won: back off with jitter and
       go to 1. Give up after MaxAttempts with a TransientStoreError.

  The counter never fabricates a value. A caller that gets an error must
  treat the id as not assigned and may retry. A stored value that is not a
  non-negative integer stops the counter with ErrCorruptValue.

SCOPE:
  ScopeBranch (default): tenants/{t}/branches/{b}/counters/{key}
  ScopeGlobal:           counters/{key}, shared by every tenant

SEE ALSO:
  - redis.go: RedisCounter, INCR-based generator seeded from the store
  - docstore/store.go: OpCreate/OpUpdate preconditions
*/
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/docstore"
)

const (
	DefaultMaxAttempts = 10
	defaultBackoff     = 5 * time.Millisecond
	maxBackoff         = 200 * time.Millisecond
)

// Generator is what record-creating code depends on.
type Generator interface {
	Next(ctx context.Context, p docstore.Partition, key string) (string, error)
}

// Format renders a counter value: at least four digits, zero padded.
func Format(v int64) string {
	return fmt.Sprintf("%04d", v)
}

// =============================================================================
// SCOPE
// =============================================================================

type Scope int

const (
	ScopeBranch Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "branch"
}

// ParseScope accepts "branch" (or "") and "global".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "branch":
		return ScopeBranch, nil
	case "global":
		return ScopeGlobal, nil
	}
	return ScopeBranch, fmt.Errorf("unknown counter scope %q", s)
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrCorruptValue means the counter document holds a value that is not a
// non-negative integer. The counter refuses to issue ids from it.
var ErrCorruptValue = errors.New("counter value is not a non-negative integer")

// TransientStoreError is returned when the CAS loop ran out of attempts.
// errors.Is(err, apperr.ErrUnavailable) holds for it.
type TransientStoreError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("counter %q: gave up after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *TransientStoreError) Unwrap() []error {
	return []error{apperr.ErrUnavailable, e.Err}
}

// =============================================================================
// COUNTER
// =============================================================================

// Counter is the store-backed Generator.
type Counter struct {
	Store       docstore.Store
	Scope       Scope
	MaxAttempts int
	Backoff     time.Duration // base delay between attempts; 0 = 5ms
	Logger      logrus.FieldLogger
}

// Path is where the counter for key lives.
func (c *Counter) Path(p docstore.Partition, key string) docstore.Path {
	if c.Scope == ScopeGlobal {
		return docstore.Path("counters").Child(key)
	}
	return p.Doc("counters", key)
}

// Next returns the next formatted value for key.
func (c *Counter) Next(ctx context.Context, p docstore.Partition, key string) (string, error) {
	v, err := c.NextValue(ctx, p, key)
	if err != nil {
		return "", err
	}
	return Format(v), nil
}

// NextValue returns the next raw value for key.
func (c *Counter) NextValue(ctx context.Context, p docstore.Partition, key string) (int64, error) {
	if err := c.validate(p, key); err != nil {
		return 0, err
	}
	var next int64
	err := c.casLoop(ctx, p, key, func(current int64) (int64, bool) {
		next = current + 1
		return next, true
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Current reads the persisted value without changing it.
func (c *Counter) Current(ctx context.Context, p docstore.Partition, key string) (int64, error) {
	if err := c.validate(p, key); err != nil {
		return 0, err
	}
	doc, err := c.Store.Get(ctx, c.Path(p, key))
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return valueOf(doc)
}

// Raise moves the counter up to v if it is below v. It never lowers it.
func (c *Counter) Raise(ctx context.Context, p docstore.Partition, key string, v int64) error {
	if err := c.validate(p, key); err != nil {
		return err
	}
	return c.casLoop(ctx, p, key, func(current int64) (int64, bool) {
		return v, current < v
	})
}

func (c *Counter) validate(p docstore.Partition, key string) error {
	if key == "" || strings.Contains(key, "/") {
		return apperr.InvalidField("key", "counter key must be a non-empty path segment")
	}
	if c.Scope == ScopeBranch && (p.TenantID == "" || p.BranchID == "") {
		return apperr.InvalidField("idBranch", "branch-scoped counter needs a tenant and a branch")
	}
	return nil
}

// casLoop reads the counter, asks step for the new value and commits it
// under the read version. step returning false means nothing to write.
func (c *Counter) casLoop(ctx context.Context, p docstore.Partition, key string, step func(current int64) (int64, bool)) error {
	path := c.Path(p, key)
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		doc, err := c.Store.Get(ctx, path)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("read counter %s: %w", path, err)
		}

		current, err := valueOf(doc)
		if err != nil {
			return err
		}
		next, ok := step(current)
		if !ok {
			return nil
		}

		data := docstore.Data{"key": key, "value": next, "updatedAt": time.Now().UTC().Format(time.RFC3339Nano)}
		var w docstore.Write
		if doc.Exists() {
			w = docstore.Update(path, doc.Version, data)
		} else {
			w = docstore.Create(path, data)
		}

		err = c.Store.Commit(ctx, w)
		if err == nil {
			return nil
		}
		if !docstore.IsConflict(err) {
			return fmt.Errorf("write counter %s: %w", path, err)
		}
		lastErr = err

		if c.Logger != nil {
			c.Logger.WithFields(logrus.Fields{"key": key, "attempt": attempt}).Debug("counter contention, retrying")
		}
		if attempt < attempts {
			if err := c.sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return &TransientStoreError{Key: key, Attempts: attempts, Err: lastErr}
}

func (c *Counter) sleep(ctx context.Context, attempt int) error {
	base := c.Backoff
	if base <= 0 {
		base = defaultBackoff
	}
	d := base << min(attempt-1, 6)
	if d > maxBackoff {
		d = maxBackoff
	}
	d = d/2 + rand.N(d/2+1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// valueOf reads the stored value. A missing document or field is 0;
// anything else that is not a non-negative integer is ErrCorruptValue.
func valueOf(doc docstore.Document) (int64, error) {
	if !doc.Exists() {
		return 0, nil
	}
	raw, present := doc.Data["value"]
	if !present || raw == nil {
		return 0, nil
	}
	v, ok := raw.(float64)
	if !ok || v < 0 || v != math.Trunc(v) || v >= 1<<63 {
		return 0, apperr.Wrap(apperr.CodeInternal, ErrCorruptValue, "counter %s holds %v", doc.Path, raw)
	}
	return int64(v), nil
}
