package scheduler

import (
	"hash/fnv"
	"time"
)

// startupSpread returns a stable delay in [0, max) for name. The same job
// always lands on the same offset, so restarts keep jobs apart the same way.
func startupSpread(name string, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	// whole seconds keep fixed-period schedules on second boundaries
	secs := int64(max / time.Second)
	if secs <= 0 {
		return 0
	}
	return time.Duration(fnv64a(name)%uint64(secs)) * time.Second
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
