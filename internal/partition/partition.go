package partition

import "github.com/cespare/xxhash/v2"

func hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Index maps key onto one of n shards.
func Index(key string, n int) int {
	switch {
	case n <= 0:
		panic("partition: number of shards must be positive")
	case n == 1:
		return 0
	default:
		return int(hash(key) % uint64(n))
	}
}
