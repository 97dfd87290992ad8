package meshcache

import (
	"github.com/Keksclan/meshcache/entry"
	"github.com/Keksclan/meshcache/store"
)

// ErrFactoryLockTimeout is returned by GetOrSet when the per-key lock could
// not be acquired within the caller's maxFactoryWait. GetOrSetBatch takes no
// per-key lock and never returns it.
var ErrFactoryLockTimeout = store.ErrFactoryLockTimeout

// ErrCorruptEnvelope is returned by nothing in this package's public
// surface directly (corrupt envelopes are logged and treated as an L2 miss,
// per the error propagation policy) but is exported so callers inspecting
// logs or building their own L2 tooling can match on it with errors.Is.
var ErrCorruptEnvelope = entry.ErrCorruptEnvelope
