package spend

import "fmt"

// MinChangeSat is the minimal change Liana will create; anything smaller is
// folded into the fee instead (spec §4.3).
const MinChangeSat = 5000

// changeOutputVbytes is the vbyte cost of adding one P2WSH change output:
// 8 (value) + 1 (script length varint) + 34 (witness program).
const changeOutputVbytes = 43

// decideChange reports whether a change output of size residualSat is
// worth creating at the given feerate: it must clear both the hard dust
// floor and the marginal cost of the extra output, and it returns the
// human-readable warning to surface when it doesn't (spec §4.3, §8).
func decideChange(residualSat uint64, feerate uint64) (create bool, warning string) {
	marginalCost := changeOutputVbytes * feerate
	if residualSat > MinChangeSat && residualSat > marginalCost {
		return true, ""
	}
	return false, fmt.Sprintf(
		"Dust UTXO. The minimal change output allowed by Liana is %d sats. "+
			"Instead of creating a change of %d sats, it was added to the transaction fee. "+
			"Select a larger input to avoid this from happening.",
		MinChangeSat, residualSat)
}
