package router

import "math/rand/v2"

// fastRandBelow10 reports true with probability 10%, used to decide
// between the newly-connected-peer FIFO and the scored candidate pool.
func fastRandBelow10() bool {
	return rand.IntN(10) == 0
}
