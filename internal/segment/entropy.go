package segment

import "math"

// shouldCompress reports whether data's normalized Shannon entropy is
// low enough to be worth LZ4-compressing: entropy computed over byte
// frequency, normalized by log2(message length), is compressed when
// H/log2(len(data)) <= 0.5. Short payloads (<= 20 bytes) are never
// compressed; the framing overhead would exceed the saving.
func shouldCompress(data []byte) bool {
	if len(data) <= 20 {
		return false
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	n := float64(len(data))
	var h float64
	distinct := 0
	for _, c := range freq {
		if c == 0 {
			continue
		}
		distinct++
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	if distinct <= 1 {
		return true // zero entropy, trivially compressible
	}
	normalized := h / math.Log2(n)
	return normalized <= 0.5
}
