package duops

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardValue(t *testing.T) {
	tests := []struct {
		name          string
		discriminator string
		id            string
		shardCount    int
		wantPrefix    string
		wantShardIdx  int // -1 means any valid shard
	}{
		{
			name:          "single shard always returns 0",
			discriminator: "my_operation",
			id:            "op-123",
			shardCount:    1,
			wantPrefix:    "my_operation_",
			wantShardIdx:  0,
		},
		{
			name:          "zero shard count treated as 1",
			discriminator: "my_operation",
			id:            "op-123",
			shardCount:    0,
			wantPrefix:    "my_operation_",
			wantShardIdx:  0,
		},
		{
			name:          "negative shard count treated as 1",
			discriminator: "my_operation",
			id:            "op-123",
			shardCount:    -5,
			wantPrefix:    "my_operation_",
			wantShardIdx:  0,
		},
		{
			name:          "multiple shards produces valid shard",
			discriminator: "order",
			id:            "op-456",
			shardCount:    8,
			wantPrefix:    "order_",
			wantShardIdx:  -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShardValue(MustOperationDiscriminator(tt.discriminator), MustOperationID(tt.id), tt.shardCount)
			require.Truef(t, len(got) > len(tt.wantPrefix) && got[:len(tt.wantPrefix)] == tt.wantPrefix,
				"ShardValue() = %q, want prefix %q", got, tt.wantPrefix)

			var shardIdx int
			_, err := fmt.Sscanf(got, tt.discriminator+"_%d", &shardIdx)
			require.NoError(t, err)

			if tt.wantShardIdx >= 0 {
				assert.Equal(t, tt.wantShardIdx, shardIdx)
			}
			effective := max(tt.shardCount, 1)
			assert.GreaterOrEqual(t, shardIdx, 0)
			assert.Less(t, shardIdx, effective)
		})
	}
}

func TestShardValueUsesShardKey(t *testing.T) {
	id, err := NewShardedOperationID("tenant_7", "op-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant_7", ShardValue(MustOperationDiscriminator("order"), id, 16))
}

func TestShardValueDeterministic(t *testing.T) {
	disc := MustOperationDiscriminator("test_operation")
	id := MustOperationID("op-abc-123")
	first := ShardValue(disc, id, 16)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, ShardValue(disc, id, 16))
	}
}

func TestShardValueDistribution(t *testing.T) {
	const shardCount = 8
	disc := MustOperationDiscriminator("test_operation")
	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		counts[ShardValue(disc, MustOperationID(uuid.NewString()), shardCount)]++
	}

	assert.Len(t, counts, shardCount)
	for shard, count := range counts {
		// Roughly even: 125 expected per shard.
		assert.GreaterOrEqual(t, count, 50, "shard %q", shard)
	}
}

func TestShardValuesFor(t *testing.T) {
	disc := MustOperationDiscriminator("my_operation")
	assert.Equal(t, []string{"my_operation_0"}, ShardValuesFor(disc, 1))
	assert.Equal(t, []string{"my_operation_0"}, ShardValuesFor(disc, 0))
	assert.Equal(t, []string{"my_operation_0"}, ShardValuesFor(disc, -5))
	assert.Equal(t,
		[]string{"my_operation_0", "my_operation_1", "my_operation_2", "my_operation_3"},
		ShardValuesFor(disc, 4))
}

func TestShardValuesForContainsEveryShardValue(t *testing.T) {
	const shardCount = 32
	disc := MustOperationDiscriminator("test_operation")
	valid := map[string]bool{}
	for _, s := range ShardValuesFor(disc, shardCount) {
		valid[s] = true
	}
	for i := 0; i < 1000; i++ {
		shard := ShardValue(disc, MustOperationID(uuid.NewString()), shardCount)
		assert.True(t, valid[shard], "ShardValue() = %q is not in ShardValuesFor()", shard)
	}
}
