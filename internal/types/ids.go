package types

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// idCounter disambiguates ids minted within the same process tick,
// matching the teacher's thoughtCounter/branchCounter style in
// internal/storage/memory.go without needing a shared lock.
var idCounter uint64

// NewID mints a unique, sortable id for the given entity prefix
// ("event", "step", "episode", "distill", "advice"). Ids combine a
// Unix-nano timestamp with a per-process counter so that ids sort in
// roughly creation order even across a process restart, and fall back
// to a UUID suffix to guarantee global uniqueness.
func NewID(prefix string) string {
	n := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("%s-%d-%d-%s", prefix, time.Now().UnixNano(), n, uuid.NewString()[:8])
}
