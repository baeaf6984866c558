package rclookup

import "math/rand"

// defaultRandIntn is the production source of randomness for
// GetRandomWhitelistRouter. Tests substitute randIntn with a
// deterministic stub.
func defaultRandIntn(n int) int {
	return rand.Intn(n)
}
