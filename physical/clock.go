package physical

import "time"

// processStart anchors nowNano to the monotonic clock reading carried by
// time.Time, so wall-clock adjustments do not move it.
var processStart = time.Now()

func nowNano() int64 {
	return int64(time.Since(processStart))
}
