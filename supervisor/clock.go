package supervisor

import "time"

// clockStart anchors nowSeconds; time.Since reads the monotonic clock.
var clockStart = time.Now()

// nowSeconds returns the current monotonic time as fractional seconds
// since process start, the unit ScriptInfo's timestamp fields use.
func nowSeconds() float64 {
	return time.Since(clockStart).Seconds()
}
