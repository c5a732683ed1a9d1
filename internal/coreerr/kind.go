// Package coreerr implements the core learning engine's structured
// error taxonomy: a small set of named kinds rather than the teacher's
// numeric ERR_NNNN_* codes, since every failure mode here maps onto a
// concrete recovery policy the caller (or the bridge cycle) must act
// on, not a catalog entry to look up.
package coreerr

// Kind classifies a core error by the recovery policy it implies.
type Kind string

const (
	// KindCaptureContention: queue lock not acquired within the bound.
	// Non-fatal; surfaces as a dropped-event counter and an overflow
	// sidecar write.
	KindCaptureContention Kind = "capture_contention"

	// KindSchemaViolation: an inbound event is missing required fields
	// or has an out-of-range value. Rejected and returned to the caller;
	// only lines that fail to parse in a queue tail read are recorded to
	// invalid_events.
	KindSchemaViolation Kind = "schema_violation"

	// KindPartialRecordCorruption: a malformed line was found in a
	// durable log during a tail read. Skipped, never fatal; no count of
	// skipped lines is kept.
	KindPartialRecordCorruption Kind = "partial_record_corruption"

	// KindPersistenceFailure: an atomic write failed. Returned to the
	// caller of the failing operation; Retryable reports true, but no
	// component retries the write automatically.
	KindPersistenceFailure Kind = "persistence_failure"

	// KindBudgetExhaustion: an episode exceeded its step/time/retry
	// budget. Not an error to the caller, a terminal outcome.
	KindBudgetExhaustion Kind = "budget_exhaustion"

	// KindWatcherBlock: step admission was refused by an invariant
	// watcher (e.g. memory-bypass). Caller receives required remediation.
	KindWatcherBlock Kind = "watcher_block"

	// KindIntegrityViolation: a durable counter invariant was violated
	// (e.g. followed > given). Recomputed from the ground-truth log.
	KindIntegrityViolation Kind = "integrity_violation"

	// KindExternalAdapterFailure: an external memory/index dependency
	// is down. Circuit-broken with backoff; never blocks the cycle.
	KindExternalAdapterFailure Kind = "external_adapter_failure"
)

// Retryable reports whether errors of this kind are worth retrying
// automatically, mirroring the teacher's errors.IsRetryable but keyed
// on named kinds instead of a numeric-code category digit.
func (k Kind) Retryable() bool {
	switch k {
	case KindCaptureContention, KindPersistenceFailure, KindExternalAdapterFailure:
		return true
	default:
		return false
	}
}

// Fatal reports whether this kind should ever be allowed to cross the
// ingestion boundary to the host assistant, per spec §7's propagation
// policy: only budget exhaustion and integrity violations are
// surfaced as terminal/alerting conditions, everything else recovers
// locally.
func (k Kind) Fatal() bool {
	switch k {
	case KindBudgetExhaustion, KindIntegrityViolation:
		return true
	default:
		return false
	}
}
