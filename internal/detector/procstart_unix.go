//go:build !windows

package detector

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/tklauser/go-sysconf"
)

// ProcStartUnix returns the process start time as Unix seconds.
// Returns 0 when unavailable or on error.
func ProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if t := procStartLinux(pid); t > 0 {
			return t
		}
	}
	return createTimeUnix(pid)
}

// procStartLinux combines field 22 of /proc/<pid>/stat (clock ticks since
// boot) with btime from /proc/stat.
func procStartLinux(pid int) int64 {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces; fields start after the closing paren.
	end := bytes.LastIndex(stat, []byte(") "))
	if end == -1 {
		return 0
	}
	fields := strings.Fields(string(stat[end+2:]))
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot := bootTime()
	if boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return boot + ticks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
		}
	}
	return 0
}
