//go:build linux

package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	appErr "contestjudge/pkg/errors"
	"contestjudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const waitDelay = time.Second

// ProcessProvider runs each sandbox in a private temp workspace. Every command
// is its own process group so a timeout or teardown kills its descendants too,
// and runs in its own namespaces when EnableNamespaces is set.
type ProcessProvider struct {
	cfg ProcessConfig
}

// NewProcessProvider validates cfg and prepares the work root.
func NewProcessProvider(cfg ProcessConfig) (*ProcessProvider, error) {
	cfg.ApplyDefaults()
	if cfg.WorkRoot != "" {
		if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
			return nil, appErr.Wrapf(err, appErr.SandboxProvisionFailed, "create work root failed")
		}
	}
	return &ProcessProvider{cfg: cfg}, nil
}

// Create provisions a workspace whose lifetime is timeLimit plus the configured slack.
func (p *ProcessProvider) Create(ctx context.Context, timeLimit time.Duration) (Sandbox, error) {
	if timeLimit <= 0 {
		return nil, appErr.New(appErr.SandboxProvisionFailed).WithMessage("time limit must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.SandboxProvisionFailed)
	}
	dir, err := os.MkdirTemp(p.cfg.WorkRoot, "sandbox-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxProvisionFailed, "create workspace failed")
	}

	cgroupPath := ""
	if p.cfg.CgroupRoot != "" {
		cgroupPath, err = createCgroup(p.cfg.CgroupRoot, filepath.Base(dir))
		if err == nil {
			err = applyCgroupLimits(cgroupPath, p.cfg.MemoryLimitMB, p.cfg.PIDsLimit)
		}
		if err != nil {
			_ = os.RemoveAll(dir)
			removeCgroup(cgroupPath)
			return nil, appErr.Wrapf(err, appErr.SandboxProvisionFailed, "create cgroup failed")
		}
	}

	lifetime, cancel := context.WithTimeout(context.Background(), timeLimit+p.cfg.LifetimeSlack)
	return &processSandbox{
		cfg:      p.cfg,
		dir:      dir,
		cgroup:   cgroupPath,
		lifetime: lifetime,
		cancel:   cancel,
		procs:    make(map[*process]struct{}),
	}, nil
}

type processSandbox struct {
	cfg    ProcessConfig
	dir    string
	cgroup string

	lifetime context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	procs      map[*process]struct{}
	destroyed  bool
	once       sync.Once
	destroyErr error
}

func (s *processSandbox) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return appErr.New(appErr.SandboxWriteFailed).WithMessage("file name must be a plain name")
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.SandboxWriteFailed, "write %s failed", name)
	}
	return nil
}

func (s *processSandbox) RunBackground(ctx context.Context, cmdline []string, timeLimit time.Duration) (Process, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}
	if len(cmdline) == 0 {
		return nil, appErr.New(appErr.SandboxExecFailed).WithMessage("command is required")
	}

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Dir = s.dir
	cmd.Env = s.env()
	cmd.SysProcAttr = buildSysProcAttr(s.cfg)
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxExecFailed, "open stdin failed")
	}
	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: newLimitedBuffer(s.cfg.OutputLimitBytes),
		stderr: newLimitedBuffer(s.cfg.OutputLimitBytes),
		exited: make(chan struct{}),
	}
	cmd.Stdout = proc.stdout
	cmd.Stderr = proc.stderr

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, appErr.New(appErr.SandboxDestroyed)
	}
	proc.start = time.Now()
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, appErr.Wrapf(err, appErr.SandboxExecFailed, "start %s failed", cmdline[0])
	}
	s.procs[proc] = struct{}{}
	s.mu.Unlock()

	if s.cgroup != "" {
		if err := addProcessToCgroup(s.cgroup, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", s.cgroup), zap.Error(err))
		}
	}

	go func() {
		proc.waitErr = cmd.Wait()
		proc.duration = time.Since(proc.start)
		close(proc.exited)
		s.mu.Lock()
		delete(s.procs, proc)
		s.mu.Unlock()
	}()
	go proc.watch(s.lifetime, timeLimit)

	return proc, nil
}

// Destroy kills every live process group and removes the workspace.
func (s *processSandbox) Destroy(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		live := make([]*process, 0, len(s.procs))
		for p := range s.procs {
			live = append(live, p)
		}
		s.mu.Unlock()

		s.cancel()
		for _, p := range live {
			p.kill()
		}
		for _, p := range live {
			select {
			case <-p.exited:
			case <-ctx.Done():
			}
		}
		if s.cgroup != "" {
			_ = killCgroup(s.cgroup)
			removeCgroup(s.cgroup)
		}
		if err := os.RemoveAll(s.dir); err != nil {
			s.destroyErr = appErr.Wrapf(err, appErr.JudgeSystemError, "remove workspace failed")
		}
	})
	return s.destroyErr
}

func (s *processSandbox) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return appErr.New(appErr.SandboxDestroyed)
	}
	if s.lifetime.Err() != nil {
		return appErr.New(appErr.SandboxDestroyed).WithMessage("sandbox lifetime exceeded")
	}
	return nil
}

func (s *processSandbox) env() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + s.dir,
		"TMPDIR=" + s.dir,
		"LANG=C.UTF-8",
	}
	return append(env, s.cfg.Env...)
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *limitedBuffer
	stderr *limitedBuffer
	start  time.Time

	exited   chan struct{}
	waitErr  error
	duration time.Duration
	timedOut atomic.Bool

	stdinOnce sync.Once
}

// watch kills the process group when the run time limit or the sandbox
// lifetime runs out.
func (p *process) watch(lifetime context.Context, timeLimit time.Duration) {
	var timer <-chan time.Time
	if timeLimit > 0 {
		t := time.NewTimer(timeLimit)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-p.exited:
	case <-timer:
		p.timedOut.Store(true)
		p.kill()
	case <-lifetime.Done():
		if errors.Is(lifetime.Err(), context.DeadlineExceeded) {
			p.timedOut.Store(true)
		}
		p.kill()
	}
}

func (p *process) kill() {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func (p *process) SendStdin(ctx context.Context, data []byte) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := p.stdin.Write(data)
		p.closeStdin()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err == nil || ignorableStdinErr(err) {
			return nil
		}
		return appErr.Wrapf(err, appErr.SandboxExecFailed, "write stdin failed")
	case <-ctx.Done():
		p.closeStdin()
		return ctx.Err()
	}
}

func (p *process) closeStdin() {
	p.stdinOnce.Do(func() { _ = p.stdin.Close() })
}

// ignorableStdinErr reports errors caused by a process that exited or closed
// its stdin before reading everything.
func ignorableStdinErr(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, os.ErrClosed) ||
		strings.Contains(err.Error(), "file already closed")
}

func (p *process) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.exited:
	case <-ctx.Done():
		p.kill()
		<-p.exited
		return Result{}, ctx.Err()
	}

	res := Result{
		ExitCode: exitCodeFromErr(p.waitErr, p.cmd.ProcessState),
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		Duration: p.duration,

		StdoutTruncated: p.stdout.Truncated(),
	}
	if p.timedOut.Load() {
		res.TimedOut = true
		res.ExitCode = -1
	}
	if p.cmd.ProcessState == nil && p.waitErr != nil {
		return res, appErr.Wrapf(p.waitErr, appErr.SandboxExecFailed, "wait failed")
	}
	return res, nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func buildSysProcAttr(cfg ProcessConfig) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !cfg.EnableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if cfg.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
