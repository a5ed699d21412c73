package stream

import "time"

// Band is a coarse network bandwidth class reported by the client.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

const (
	lowBandKbps  = 256
	highBandKbps = 2048
)

// ClassifyBandwidth maps a kbps hint to a band. Unknown (<= 0) is medium.
func ClassifyBandwidth(kbps float64) Band {
	switch {
	case kbps <= 0:
		return BandMedium
	case kbps < lowBandKbps:
		return BandLow
	case kbps >= highBandKbps:
		return BandHigh
	default:
		return BandMedium
	}
}

// tune adapts chunk sizes and delay to the band. Slow links get fewer,
// larger chunks spaced further apart; fast links get small ones quickly.
func tune(b Band, minChunk, maxChunk int, delay time.Duration) (int, int, time.Duration) {
	switch b {
	case BandLow:
		return minChunk * 2, maxChunk * 2, delay * 2
	case BandHigh:
		return max(minChunk/2, 1), max(maxChunk/2, 1), delay / 2
	default:
		return minChunk, maxChunk, delay
	}
}
