package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/sysinfo"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks: VCS binary, state directory, tracker log, host resources",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return withExitCode(2, err)
	}

	var problems []string

	if path, err := exec.LookPath(cfg.VCSBinary); err != nil {
		problems = append(problems, fmt.Sprintf("vcs binary %q not found on PATH", cfg.VCSBinary))
	} else {
		fmt.Printf("OK   vcs binary: %s\n", path)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		problems = append(problems, fmt.Sprintf("state dir %q not writable: %v", cfg.StateDir, err))
	} else {
		fmt.Printf("OK   state dir writable: %s\n", cfg.StateDir)
	}

	if f, err := os.Open(cfg.Tracker.LogPath); err != nil {
		problems = append(problems, fmt.Sprintf("tracker log %q not readable: %v", cfg.Tracker.LogPath, err))
	} else {
		f.Close()
		fmt.Printf("OK   tracker log readable: %s\n", cfg.Tracker.LogPath)
	}

	report, err := sysinfo.Collect(cfg.StateDir)
	if err != nil {
		problems = append(problems, fmt.Sprintf("host resource check failed: %v", err))
	} else {
		fmt.Printf("OK   host: %d cpus, load1=%.2f, mem_used=%.1f%%, disk_used=%.1f%% (%s)\n",
			report.CPU.NumCPU, report.CPU.LoadAvg1, report.Mem.UsedPercent, report.Disk.UsedPercent, report.Disk.MountPath)
	}

	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "FAIL %s\n", p)
		}
		return withExitCode(1, fmt.Errorf("%d preflight check(s) failed", len(problems)))
	}
	return nil
}
