package funnel

import (
	"strconv"

	"FunnelBot/entity"

	"github.com/cespare/xxhash/v2"
)

// pickVariant buckets a user by hashing its external id with the step id.
// The result depends only on its inputs, so re-entry lands in the same variant.
func pickVariant(externalID int64, stepID string, variants []entity.Variant) (entity.Variant, bool) {
	total := 0
	for _, v := range variants {
		total += variantWeight(v)
	}
	if total == 0 {
		return entity.Variant{}, false
	}
	h := xxhash.Sum64String(strconv.FormatInt(externalID, 10) + ":" + stepID)
	bucket := int(h % uint64(total))
	for _, v := range variants {
		bucket -= variantWeight(v)
		if bucket < 0 {
			return v, true
		}
	}
	return variants[len(variants)-1], true
}

func variantWeight(v entity.Variant) int {
	if v.Weight <= 0 {
		return 1
	}
	return v.Weight
}
