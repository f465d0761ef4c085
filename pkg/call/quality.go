package call

import (
	"time"

	"huddle/pkg/rtc"
)

// qualityBucket folds one stats sample into the 1-4 quality scale.
func qualityBucket(s rtc.Stats) int {
	switch {
	case s.PacketLoss > 0.10 || s.RTT > 500*time.Millisecond:
		return 1
	case s.PacketLoss > 0.05 || s.RTT > 300*time.Millisecond:
		return 2
	case s.PacketLoss > 0.02 || s.RTT > 150*time.Millisecond:
		return 3
	default:
		return 4
	}
}
