package duops

import (
	"fmt"
	"hash/fnv"
)

// ShardValue computes the storage shard of an operation.
//
// On Citus, operation tables are distributed by this value. An id with an
// explicit shard key uses that key, so operations sharing it are colocated.
// Otherwise the value is "<discriminator>_<n>" with n = fnv32a(id) % shardCount.
func ShardValue(disc OperationDiscriminator, id OperationID, shardCount int) string {
	if id.HasShardKey() {
		return id.ShardKey()
	}
	if shardCount <= 0 {
		shardCount = 1
	}
	if shardCount == 1 {
		return fmt.Sprintf("%s_%d", disc, 0)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(id.Value()))
	shard := int(h.Sum32() % uint32(shardCount))
	return fmt.Sprintf("%s_%d", disc, shard)
}

// ShardValuesFor returns every hashed shard value of an operation kind.
//
// Example: ShardValuesFor(sample, 4) returns
// ["sample_0", "sample_1", "sample_2", "sample_3"]
func ShardValuesFor(disc OperationDiscriminator, shardCount int) []string {
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]string, shardCount)
	for i := 0; i < shardCount; i++ {
		shards[i] = fmt.Sprintf("%s_%d", disc, i)
	}
	return shards
}
