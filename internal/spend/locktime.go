package spend

import "math/rand"

// chooseLocktime picks an anti-fee-sniping nLockTime the way Bitcoin Core's
// wallet does: nominally the current tip height, but with low probability
// an earlier height, so that chain analysis watching for "locktime ==
// current height" can't reliably fingerprint freshly-created transactions
// (spec §4.3).
func chooseLocktime(tipHeight int32) uint32 {
	locktime := uint32(tipHeight)
	if rand.Intn(10) == 0 {
		back := uint32(rand.Intn(100))
		if back > locktime {
			return 0
		}
		return locktime - back
	}
	return locktime
}
