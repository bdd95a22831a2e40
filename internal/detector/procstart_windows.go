//go:build windows

package detector

// ProcStartUnix returns the process creation time as Unix seconds.
// Returns 0 on error.
func ProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	return createTimeUnix(pid)
}
