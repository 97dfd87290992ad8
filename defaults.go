package meshcache

import "time"

// DefaultMaxFactoryWait is the maxFactoryWait GetOrSet uses when the caller
// passes maxFactoryWait <= 0.
const DefaultMaxFactoryWait = 10 * time.Second

// DefaultRemoteCallTimeout bounds each L2 read-through round trip that
// GetOrSet and GetOrSetBatch issue on a local miss.
const DefaultRemoteCallTimeout = 5 * time.Second
