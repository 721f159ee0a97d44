package exec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/manuscript/internal/errors"
)

// RunnerKind selects the backend a plan executes on
type RunnerKind string

const (
	RunnerLocal  RunnerKind = "local"
	RunnerRemote RunnerKind = "remote"
	RunnerBatch  RunnerKind = "batch"
)

// ParseRunnerKind accepts the canonical kinds plus the "ssh" and "slurm" aliases
func ParseRunnerKind(s string) (RunnerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return RunnerLocal, nil
	case "remote", "ssh":
		return RunnerRemote, nil
	case "batch", "slurm":
		return RunnerBatch, nil
	default:
		return "", errors.NewUnknownRunnerError(s)
	}
}

// Status is the lifecycle state of an Execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Scalar is a string that also decodes from JSON numbers, so `"cpus": 4` works.
type Scalar string

// UnmarshalJSON implements json.Unmarshaler
func (s *Scalar) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*s = Scalar(num.String())
	return nil
}

// PathPair maps a local artifact path to a remote path
type PathPair struct {
	Local  string `json:"local" yaml:"local"`
	Remote string `json:"remote" yaml:"remote"`
}

// Staging lists the files copied before and after a remote run
type Staging struct {
	Upload   []PathPair `json:"upload,omitempty" yaml:"upload,omitempty"`
	Download []PathPair `json:"download,omitempty" yaml:"download,omitempty"`
}

// SchedulerDefaults are the batch directives rendered into the job script
type SchedulerDefaults struct {
	Partition Scalar `json:"partition,omitempty" yaml:"partition,omitempty"`
	Time      Scalar `json:"time,omitempty" yaml:"time,omitempty"`
	Mem       Scalar `json:"mem,omitempty" yaml:"mem,omitempty"`
	CPUs      Scalar `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	GRES      Scalar `json:"gres,omitempty" yaml:"gres,omitempty"`
}

// ClusterProfile describes how to reach a remote host
type ClusterProfile struct {
	Host            string            `json:"host" yaml:"host"`
	Username        string            `json:"username" yaml:"username"`
	KeyPath         string            `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	Port            int               `json:"port,omitempty" yaml:"port,omitempty"`
	RemoteBaseDir   string            `json:"remote_base_dir,omitempty" yaml:"remote_base_dir,omitempty"`
	Defaults        SchedulerDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	EnvInitCommands []string          `json:"env_init_commands,omitempty" yaml:"env_init_commands,omitempty"`
}

// Address returns host:port, defaulting to port 22
func (p ClusterProfile) Address() string {
	port := p.Port
	if port == 0 {
		port = 22
	}
	return p.Host + ":" + strconv.Itoa(port)
}

// BaseDir returns the remote working directory, "." when unset
func (p ClusterProfile) BaseDir() string {
	if p.RemoteBaseDir == "" {
		return "."
	}
	return p.RemoteBaseDir
}

// ExecContext is the free-form execution context attached to a plan
type ExecContext struct {
	ClusterProfile *ClusterProfile `json:"cluster_profile,omitempty" yaml:"cluster_profile,omitempty"`
	Staging        Staging         `json:"staging,omitempty" yaml:"staging,omitempty"`
}

// Plan is an ordered command batch awaiting or holding approval
type Plan struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Runner      RunnerKind  `json:"runner"`
	Commands    []string    `json:"commands"`
	Context     ExecContext `json:"context"`
	Warnings    []string    `json:"warnings,omitempty"`
	Fingerprint string      `json:"fingerprint"`
	Approved    bool        `json:"approved"`
	ApprovedAt  *time.Time  `json:"approved_at,omitempty"`
	ApprovedBy  string      `json:"approved_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Execution is one run attempt of an approved plan
type Execution struct {
	ID         string     `json:"id"`
	PlanID     string     `json:"plan_id"`
	ProjectID  string     `json:"project_id"`
	Runner     RunnerKind `json:"runner"`
	Status     Status     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	StdoutPath string     `json:"stdout_path"`
	StderrPath string     `json:"stderr_path"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AuditEntry records one command attempt within an execution
type AuditEntry struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	ExecutionID string     `json:"execution_id"`
	Seq         int        `json:"seq"`
	Command     string     `json:"command"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StdoutPath  string     `json:"stdout_path"`
	StderrPath  string     `json:"stderr_path"`
	Checksum    string     `json:"checksum,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// JobRecord remembers the scheduler job submitted for a plan
type JobRecord struct {
	PlanID      string    `json:"plan_id"`
	ExecutionID string    `json:"execution_id"`
	JobID       string    `json:"job_id"`
	ScriptPath  string    `json:"script_path"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PlanResult is the output of Runner.Plan
type PlanResult struct {
	Commands []string    `json:"commands"`
	Warnings []string    `json:"warnings"`
	Context  ExecContext `json:"context"`
}

func intPtr(v int) *int {
	return &v
}
