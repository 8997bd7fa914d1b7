//go:build !linux

package sandbox

import (
	"context"
	"time"

	appErr "contestjudge/pkg/errors"
)

// ProcessProvider is only available on linux.
type ProcessProvider struct{}

// NewProcessProvider returns a provider whose Create always fails.
func NewProcessProvider(cfg ProcessConfig) (*ProcessProvider, error) {
	return &ProcessProvider{}, nil
}

func (p *ProcessProvider) Create(ctx context.Context, timeLimit time.Duration) (Sandbox, error) {
	return nil, appErr.New(appErr.SandboxProvisionFailed).WithMessage("process sandbox is only supported on linux")
}
