package assignment

import (
	"hash/fnv"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
)

// Salts keep the traffic gate and the variant bucket independent: a user's
// position in one has no correlation with the other, and neither correlates
// across experiments because the experiment id is always hashed in.
const (
	saltTraffic = "traffic"
	saltVariant = "variant"
)

// hashUnit maps experimentID:userID:salt to a uniform value in [0,1) using a
// 64-bit FNV-1a hash. The mapping is stable for the life of the experiment.
func hashUnit(experimentID, userID, salt string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(experimentID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(salt))
	// Top 53 bits give a uniform float64 in [0,1).
	return float64(h.Sum64()>>11) / (1 << 53)
}

// selectVariant buckets the user by cumulative weight. Any edit to the
// variant list or weights renormalizes the buckets and reassigns users, so
// the registry keeps running definitions immutable; edits made to a draft
// between runs are variant-reassigning and prior exposures take precedence
// (see Service.Assign).
func selectVariant(exp experiment.Experiment, userID string) experiment.Variant {
	u := hashUnit(exp.ID, userID, saltVariant)
	total := exp.TotalWeight()

	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += v.Weight / total
		if u < cumulative {
			return v
		}
	}
	return exp.Variants[len(exp.Variants)-1]
}
