// Package sysinfo collects host resource metrics from Linux procfs,
// generalized from the teacher's per-workspace resource sampler into the
// one-shot host check the `conductor doctor` subcommand runs before
// starting the engine.
package sysinfo

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

// CPUInfo holds CPU load averages and core count.
type CPUInfo struct {
	LoadAvg1 float64 `json:"loadAvg1"`
	NumCPU   int     `json:"numCpu"`
}

// MemoryInfo holds system memory usage.
type MemoryInfo struct {
	TotalBytes  uint64  `json:"totalBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// DiskInfo holds filesystem usage for a mount path.
type DiskInfo struct {
	TotalBytes  uint64  `json:"totalBytes"`
	UsedPercent float64 `json:"usedPercent"`
	MountPath   string  `json:"mountPath"`
}

// HostReport is the doctor subcommand's one-shot host snapshot.
type HostReport struct {
	CPU  CPUInfo  `json:"cpu"`
	Mem  MemoryInfo `json:"memory"`
	Disk DiskInfo `json:"disk"`
}

// Collect reports CPU, memory, and disk headroom for diskMountPath (the
// directory holding the State Store / transcript tree).
func Collect(diskMountPath string) (HostReport, error) {
	cpu, err := collectCPU()
	if err != nil {
		return HostReport{}, fmt.Errorf("sysinfo: cpu: %w", err)
	}
	mem, err := collectMemory()
	if err != nil {
		return HostReport{}, fmt.Errorf("sysinfo: memory: %w", err)
	}
	disk, err := collectDisk(diskMountPath)
	if err != nil {
		return HostReport{}, fmt.Errorf("sysinfo: disk: %w", err)
	}
	return HostReport{CPU: cpu, Mem: mem, Disk: disk}, nil
}

func collectCPU() (CPUInfo, error) {
	content, err := readFile("/proc/loadavg")
	if err != nil {
		return CPUInfo{NumCPU: runtime.NumCPU()}, nil
	}
	return ParseLoadAvg(content), nil
}

// ParseLoadAvg parses the content of /proc/loadavg.
func ParseLoadAvg(content string) CPUInfo {
	fields := strings.Fields(strings.TrimSpace(content))
	info := CPUInfo{NumCPU: runtime.NumCPU()}
	if len(fields) >= 1 {
		info.LoadAvg1, _ = strconv.ParseFloat(fields[0], 64)
	}
	return info
}

func collectMemory() (MemoryInfo, error) {
	content, err := readFile("/proc/meminfo")
	if err != nil {
		return MemoryInfo{}, nil
	}
	return ParseMemInfo(content), nil
}

// ParseMemInfo parses the content of /proc/meminfo.
func ParseMemInfo(content string) MemoryInfo {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSuffix(strings.TrimSpace(parts[1]), " kB")
		val, err := strconv.ParseUint(strings.TrimSpace(valStr), 10, 64)
		if err != nil {
			continue
		}
		fields[key] = val * 1024
	}
	total := fields["MemTotal"]
	available := fields["MemAvailable"]
	if available == 0 {
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	used := uint64(0)
	if total > available {
		used = total - available
	}
	var usedPercent float64
	if total > 0 {
		usedPercent = roundTo(float64(used)/float64(total)*100, 1)
	}
	return MemoryInfo{TotalBytes: total, UsedPercent: usedPercent}
}

func collectDisk(mountPath string) (DiskInfo, error) {
	if mountPath == "" {
		mountPath = "."
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(mountPath, &stat); err != nil {
		return DiskInfo{MountPath: mountPath}, err
	}
	return StatFSToDiskInfo(&stat, mountPath), nil
}

// StatFSToDiskInfo converts a Statfs_t to DiskInfo.
func StatFSToDiskInfo(stat *syscall.Statfs_t, mountPath string) DiskInfo {
	total := stat.Blocks * uint64(stat.Bsize)
	used := total - (stat.Bfree * uint64(stat.Bsize))
	var usedPercent float64
	if total > 0 {
		usedPercent = roundTo(float64(used)/float64(total)*100, 1)
	}
	return DiskInfo{TotalBytes: total, UsedPercent: usedPercent, MountPath: mountPath}
}

func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}
