package gateway

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SystemStats 主机内存（KB）
type SystemStats struct {
	TotalMemoryKB uint64
	FreeMemoryKB  uint64
}

// ReadSystemStats 读取 /proc/meminfo
func ReadSystemStats() (SystemStats, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return SystemStats{}, err
	}
	defer f.Close()
	return parseMemInfo(f)
}

// parseMemInfo 可用内存优先取 MemAvailable，缺失时回落到 MemFree
func parseMemInfo(r io.Reader) (SystemStats, error) {
	var stats SystemStats
	var free, available uint64
	var haveAvailable bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			stats.TotalMemoryKB = v
		case "MemFree":
			free = v
		case "MemAvailable":
			available = v
			haveAvailable = true
		}
	}
	if err := scanner.Err(); err != nil {
		return SystemStats{}, err
	}
	if stats.TotalMemoryKB == 0 {
		return SystemStats{}, fmt.Errorf("meminfo: MemTotal not found")
	}

	stats.FreeMemoryKB = free
	if haveAvailable {
		stats.FreeMemoryKB = available
	}
	return stats, nil
}
