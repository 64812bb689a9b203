package core

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// BucketingVersion identifies the hash and seed format below. Changing either
// moves users between buckets and requires a new version.
//
// Version 1: bucket = XXH64(seed, 0) % 100 over the UTF-8 bytes of seed, with
// seeds built as
//
//	rule rollout:    <flag>::<ruleIndex>::<subject>
//	variant split:   <flag>::<subject>
//	default rollout: <flag>::default::<subject>
//
// where subject is the identity, or the tenant ID for tenant-scoped flags.
const BucketingVersion = 1

const (
	bucketCount    = 100
	seedSeparator  = "::"
	defaultSegment = "default"
)

// Bucket maps a seed to a stable bucket in [0, 99].
func Bucket(seed string) int {
	return int(xxhash.Sum64String(seed) % bucketCount)
}

func RuleRolloutSeed(flagName string, ruleIndex int, subject string) string {
	return flagName + seedSeparator + strconv.Itoa(ruleIndex) + seedSeparator + subject
}

func VariantSeed(flagName, subject string) string {
	return flagName + seedSeparator + subject
}

func DefaultRolloutSeed(flagName, subject string) string {
	return flagName + seedSeparator + defaultSegment + seedSeparator + subject
}

// SelectVariant walks variants in declared order over cumulative weight
// ranges and returns the key whose range holds bucket.
func SelectVariant(variants []Variant, bucket int) (string, bool) {
	upper := 0
	for _, variant := range variants {
		if variant.Weight <= 0 {
			continue
		}
		upper += variant.Weight
		if bucket < upper {
			return variant.Key, true
		}
	}

	return "", false
}

// inRollout reports whether bucket falls under percentage. 0 excludes
// everyone and 100 includes everyone.
func inRollout(bucket, percentage int) bool {
	return bucket < percentage
}
