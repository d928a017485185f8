package partition_test

import (
	"fmt"
	"testing"

	"github.com/on-the-ground/lazy_transform_go/internal/partition"
	"github.com/stretchr/testify/assert"
)

func TestIndex_StableAndInRange(t *testing.T) {
	for _, n := range []int{1, 2, 7, 64} {
		for i := 0; i < 1000; i++ {
			key := fmt.Sprintf("tenant-%d", i)
			idx := partition.Index(key, n)
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, n)
			assert.Equal(t, idx, partition.Index(key, n), "index must be deterministic")
		}
	}
}

func TestIndex_Spreads(t *testing.T) {
	hits := make(map[int]int)
	for i := 0; i < 1000; i++ {
		hits[partition.Index(fmt.Sprintf("k%d", i), 8)]++
	}
	assert.Len(t, hits, 8)
}

func TestIndex_ZeroShardsPanics(t *testing.T) {
	assert.Panics(t, func() { partition.Index("a", 0) })
}
