package health

// AliveMatching reports whether pid is alive and still the same process that
// was observed starting at startUnix. A later kernel start time means the PID
// was recycled by an unrelated process. When either side of the comparison is
// unavailable the check degrades to plain liveness.
func AliveMatching(pid int, startUnix int64) bool {
	if !Alive(pid) {
		return false
	}
	if startUnix <= 0 {
		return true
	}
	cur := StartTimeUnix(pid)
	if cur <= 0 {
		return true
	}
	// Allow one second of rounding slack between clock tick math and the
	// wall clock captured at spawn.
	diff := cur - startUnix
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}
