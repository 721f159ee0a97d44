package exec

import (
	"fmt"
	"regexp"
	"strings"
)

// RenderJobScript renders the Slurm batch script for commands. Directives
// appear only for present defaults, always in the order partition, time,
// memory, CPUs, GRES, followed by the environment setup and the commands.
func RenderJobScript(profile ClusterProfile, commands []string) string {
	lines := []string{"#!/bin/bash"}

	d := profile.Defaults
	directives := []struct {
		value  Scalar
		format string
	}{
		{d.Partition, "#SBATCH -p %s"},
		{d.Time, "#SBATCH -t %s"},
		{d.Mem, "#SBATCH --mem=%s"},
		{d.CPUs, "#SBATCH -c %s"},
		{d.GRES, "#SBATCH --gres=%s"},
	}
	for _, dir := range directives {
		if dir.value != "" {
			lines = append(lines, fmt.Sprintf(dir.format, dir.value))
		}
	}

	lines = append(lines, profile.EnvInitCommands...)
	lines = append(lines, commands...)
	return strings.Join(lines, "\n")
}

var (
	submittedPattern = regexp.MustCompile(`Submitted batch job (\d+)`)
	parsablePattern  = regexp.MustCompile(`^(\d+)(;\S+)?$`)
)

// ParseJobID extracts the job id from sbatch output, accepting both the
// default "Submitted batch job <id>" line and the --parsable "<id>[;cluster]" form
func ParseJobID(output string) (string, error) {
	if m := submittedPattern.FindStringSubmatch(output); m != nil {
		return m[1], nil
	}
	for _, line := range strings.Split(output, "\n") {
		if m := parsablePattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("no job id in sbatch output %q", strings.TrimSpace(output))
}

// jobScriptName is the script file name used for a plan's submission
func jobScriptName(planID string) string {
	return "manuscript_" + planID + ".sbatch"
}

// jobOutputName is Slurm's default output file for a job
func jobOutputName(jobID string) string {
	return "slurm-" + jobID + ".out"
}

// parseAccounting reads the first row of
// `sacct -X -n -P --format=State,ExitCode` output. The state is the first
// word ("CANCELLED by 1000" -> "CANCELLED"); the exit code is the part
// before the colon of "code:signal". Missing rows yield an empty state.
func parseAccounting(output string) (state string, exitCode int, ok bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if words := strings.Fields(fields[0]); len(words) > 0 {
			state = words[0]
		}
		if len(fields) > 1 {
			code, _, _ := strings.Cut(fields[1], ":")
			if _, err := fmt.Sscanf(code, "%d", &exitCode); err == nil {
				ok = true
			}
		}
		return state, exitCode, ok
	}
	return "", 0, false
}
