//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

func createCgroup(root, name string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cgroup root is required")
	}
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", fmt.Errorf("create cgroup path: %w", err)
	}
	return path, nil
}

func applyCgroupLimits(path string, memoryMB, pids int64) error {
	pidsValue := "max"
	if pids > 0 {
		pidsValue = strconv.FormatInt(pids, 10)
	}
	if err := writeCgroupValue(path, "pids.max", pidsValue); err != nil {
		return err
	}
	if memoryMB > 0 {
		if err := writeCgroupValue(path, "memory.max", strconv.FormatInt(memoryMB*1024*1024, 10)); err != nil {
			return err
		}
	}
	return nil
}

func addProcessToCgroup(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(path, "cgroup.procs", strconv.Itoa(pid))
}

// killCgroup uses cgroup.kill (kernel 5.14+) to reach processes that left the process group.
func killCgroup(path string) error {
	killPath := filepath.Join(path, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0o600)
}

func removeCgroup(path string) {
	if path == "" {
		return
	}
	// cgroup directories are removed with rmdir, not recursively.
	_ = os.Remove(path)
}

func writeCgroupValue(path, name, value string) error {
	return os.WriteFile(filepath.Join(path, name), []byte(value), 0o640)
}
