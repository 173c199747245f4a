package cluster

import (
	"hash/fnv"
	"strconv"

	"github.com/codewandler/shardkeeper/internal/hrw"
)

// ShardIDFromString derives a stable numeric shard id (as a string, since
// ShardId is opaque) from an entity key by hashing into numShards buckets.
// This is the default ShardResolver a caller gets by pairing it with an
// IdExtractor when it doesn't need domain-specific shard grouping.
func ShardIDFromString(key string, numShards int) string {
	if numShards <= 0 {
		return "0"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return strconv.Itoa(int(h.Sum32() % uint32(numShards)))
}

// HRWPick selects one of candidates for key using rendezvous (highest random
// weight) hashing: the same key maps to the same candidate as long as that
// candidate remains in the list, so only keys owned by a removed candidate
// move when the candidate set shrinks. seed disambiguates independent
// candidate pools hashing the same keys. ok is false when candidates is empty.
func HRWPick(candidates []string, key string, seed string) (best string, ok bool) {
	return hrw.Best(key, candidates, seed)
}
