//go:build integration

package vm

import (
	"context"
	"os"
	"time"
)

// VM is a machine the binary under test runs on, with an emulated USB stick attached
type VM interface {
	Run(cmd string) (string, error)
	RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	CopyFile(localPath, remotePath string, mode os.FileMode) error
	ReadFile(remotePath string) ([]byte, error)
	Stop()
	IsRunning() bool
	WaitForSSH(ctx context.Context) error
}
