// Package diagnostics provides functions for collecting and reporting diagnostics information
package diagnostics

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// CaptureSystemInfo captures system resource information around an abnormal
// event and returns it as a string. The snapshot is also logged so that it
// ends up next to the error that triggered it.
func CaptureSystemInfo(errorMessage string) string {
	var info strings.Builder

	separator := "======== DEBUG INFO START ========"
	info.WriteString(fmt.Sprintf("%s\n", separator))
	info.WriteString(fmt.Sprintf("Error Occurred: %s\n", errorMessage))

	// CPU Utilization
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err == nil && len(cpuPercent) > 0 {
		info.WriteString(fmt.Sprintf("CPU Utilization: %.2f%%\n", cpuPercent[0]))
	}

	// RAM Usage
	vmStat, err := mem.VirtualMemory()
	if err == nil {
		info.WriteString(fmt.Sprintf("RAM Usage: %.2f%%\n", vmStat.UsedPercent))
	}

	// Page File Usage (Swap)
	swapStat, err := mem.SwapMemory()
	if err == nil {
		info.WriteString(fmt.Sprintf("Page File Usage: %.2f%%\n", swapStat.UsedPercent))
	}

	// Go runtime statistics
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	info.WriteString(fmt.Sprintf("Go Runtime: Alloc = %v MiB, TotalAlloc = %v MiB, Sys = %v MiB, NumGC = %v, Goroutines = %v\n",
		bToMb(m.Alloc), bToMb(m.TotalAlloc), bToMb(m.Sys), m.NumGC, runtime.NumGoroutine()))

	info.WriteString(fmt.Sprintf("%s\n", strings.ReplaceAll(separator, "START", "END")))

	slog.Warn("Abnormal event detected, system snapshot collected",
		"trigger", errorMessage,
		"snapshot", info.String())

	return info.String()
}

// bToMb converts bytes to megabytes
func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
