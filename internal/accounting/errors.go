package accounting

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports a structurally invalid heartbeat or query. Fields
// maps the offending field to a human readable reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "Validation error"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "Validation error: " + strings.Join(parts, "; ")
}

// PersistenceError wraps a failed ledger operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ErrConflictOnReset is returned by a ledger when a reset lost a race with a
// concurrent write for the same key. Callers re-run the reset.
var ErrConflictOnReset = errors.New("reset conflicted with a concurrent write")

type AnomalyKind string

const (
	AnomalyAbsurdTotal      AnomalyKind = "absurd_total"
	AnomalyCapReached       AnomalyKind = "cap_reached"
	AnomalyLegacyJump       AnomalyKind = "legacy_jump"
	AnomalyLegacyRestart    AnomalyKind = "legacy_restart"
	AnomalyLegacyRegression AnomalyKind = "legacy_regression"
	AnomalyImplausibleSeed  AnomalyKind = "implausible_seed"
	AnomalyClockSkew        AnomalyKind = "clock_skew"
	AnomalyDayMismatch      AnomalyKind = "day_mismatch"
)

// AnomalyDetected records a policy decision taken on a suspicious signal. It
// is logged and counted, never returned to the agent.
type AnomalyDetected struct {
	Kind   AnomalyKind
	Detail string
}

func (a AnomalyDetected) String() string {
	return string(a.Kind) + ": " + a.Detail
}
