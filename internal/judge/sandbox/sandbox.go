// Package sandbox defines the isolated execution environment a grading run
// provisions, and a process-group backed implementation of it.
package sandbox

import (
	"context"
	"time"
)

// Provider provisions sandboxes.
type Provider interface {
	// Create provisions a sandbox that lives at most timeLimit plus the
	// provider's slack. The caller must Destroy it.
	Create(ctx context.Context, timeLimit time.Duration) (Sandbox, error)
}

// Sandbox is one provisioned environment. Destroy is idempotent and safe to
// call after any failure.
type Sandbox interface {
	WriteFile(ctx context.Context, name string, data []byte) error
	RunBackground(ctx context.Context, cmd []string, timeLimit time.Duration) (Process, error)
	Destroy(ctx context.Context) error
}

// Process is a command started in the background.
type Process interface {
	// SendStdin writes data and closes the process stdin.
	SendStdin(ctx context.Context, data []byte) error
	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (Result, error)
}

// Result is the outcome of one process.
type Result struct {
	// ExitCode is -1 when the process was killed for exceeding its time limit.
	ExitCode int
	Stdout   string
	Stderr   string

	// StdoutTruncated reports that stdout exceeded the output limit and
	// Stdout holds only its prefix.
	StdoutTruncated bool
	TimedOut        bool
	Duration        time.Duration
}

// ProcessConfig controls the process sandbox.
type ProcessConfig struct {
	// WorkRoot is the parent directory for per-sandbox workspaces. Empty uses os.TempDir.
	WorkRoot string `yaml:"workRoot"`
	// OutputLimitBytes caps captured stdout and stderr each.
	OutputLimitBytes int64 `yaml:"outputLimitBytes"`
	// LifetimeSlack extends the sandbox lifetime beyond the run time limit.
	LifetimeSlack time.Duration `yaml:"lifetimeSlack"`
	// Env is appended to the minimal environment of every command.
	Env []string `yaml:"env"`

	// EnableNamespaces runs every command in fresh user, mount, pid, uts and
	// ipc namespaces, mapped to root inside. DisableNetwork adds a network
	// namespace with no interfaces.
	EnableNamespaces bool `yaml:"enableNamespaces"`
	DisableNetwork   bool `yaml:"disableNetwork"`

	// CgroupRoot enables cgroup v2 limits when set.
	CgroupRoot    string `yaml:"cgroupRoot"`
	MemoryLimitMB int64  `yaml:"memoryLimitMB"`
	PIDsLimit     int64  `yaml:"pidsLimit"`
}

const defaultOutputLimit = 1 << 20

// ApplyDefaults fills zero fields.
func (c *ProcessConfig) ApplyDefaults() {
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = defaultOutputLimit
	}
}
