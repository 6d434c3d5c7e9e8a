//go:build integration

package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/kriansa/ventoy-writer/tests/integration/log"
)

// QEMU is a running QEMU virtual machine with a USB mass storage device
type QEMU struct {
	cmd          *exec.Cmd
	sshClient    *ssh.Client
	config       *QEMUConfig
	snapshotPath string
	stickPath    string
	mu           sync.Mutex
}

// QEMUConfig holds configuration for starting a VM
type QEMUConfig struct {
	ImagePath  string
	SSHPort    int
	SSHUser    string
	SSHPass    string
	SSHTimeout time.Duration
	Memory     int
	CPUs       int
	// StickSize is the size in bytes of the emulated USB stick
	StickSize int64
}

// StartQEMUVM boots the default test image with a 2 GiB USB stick
func StartQEMUVM(ctx context.Context) (*QEMU, error) {
	imagePath, err := getImagePath()
	if err != nil {
		return nil, err
	}

	config := QEMUConfig{
		SSHPort:    10022,
		Memory:     2048,
		CPUs:       2,
		SSHUser:    "fedora",
		SSHPass:    "fedora",
		SSHTimeout: 2 * time.Minute,
		ImagePath:  imagePath,
		StickSize:  2 << 30,
	}

	return StartQEMUVMWithConfig(ctx, config)
}

// StartQEMUVMWithConfig launches a QEMU VM. Call WaitForSSH before using it.
func StartQEMUVMWithConfig(ctx context.Context, config QEMUConfig) (*QEMU, error) {
	if config.ImagePath == "" {
		return nil, fmt.Errorf("image path is required")
	}

	if _, err := os.Stat(config.ImagePath); err != nil {
		return nil, fmt.Errorf("image not found: %w", err)
	}

	// The base image stays untouched; writes go to a throwaway overlay
	snapshotPath := filepath.Join(os.TempDir(), fmt.Sprintf("vm-test-%d.qcow2", os.Getpid()))
	createCmd := exec.CommandContext(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-b", config.ImagePath,
		"-F", "qcow2",
		snapshotPath,
	)
	if output, err := createCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("create snapshot: %w: %s", err, output)
	}

	stickPath, err := createStick(config.StickSize)
	if err != nil {
		_ = os.Remove(snapshotPath)
		return nil, err
	}

	log.Status("Starting VM with image: %s", config.ImagePath)
	cmd := exec.CommandContext(ctx, "qemu-system-x86_64",
		"-m", fmt.Sprintf("%dM", config.Memory),
		"-smp", strconv.Itoa(config.CPUs),
		"-machine", "type=pc,accel=kvm",
		"-cpu", "host",
		"-drive", fmt.Sprintf("file=%s,if=virtio,cache=writeback,discard=ignore,format=qcow2", snapshotPath),
		"-device", "qemu-xhci,id=xhci",
		"-drive", fmt.Sprintf("file=%s,if=none,id=stick,format=raw", stickPath),
		"-device", "usb-storage,bus=xhci.0,drive=stick,removable=on",
		"-boot", "c",
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", config.SSHPort),
		"-device", "virtio-net,netdev=net0",
		"-nographic",
	)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		_ = os.Remove(snapshotPath)
		_ = os.Remove(stickPath)
		return nil, fmt.Errorf("start qemu: %w", err)
	}

	return &QEMU{
		cmd:          cmd,
		config:       &config,
		snapshotPath: snapshotPath,
		stickPath:    stickPath,
	}, nil
}

// createStick creates a sparse, zeroed disk image for the USB stick
func createStick(size int64) (string, error) {
	f, err := os.CreateTemp("", "usb-stick-*.img")
	if err != nil {
		return "", fmt.Errorf("create usb stick: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(size); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("size usb stick: %w", err)
	}
	return f.Name(), nil
}

func getImagePath() (string, error) {
	imagePath := os.Getenv("VM_IMAGE")
	if imagePath == "" {
		imagePath = "../images/fedora-ventoy.qcow2"
	}

	if _, err := os.Stat(imagePath); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("VM image not found. Build a Fedora image with passwordless sudo and exfat support, or set VM_IMAGE env var")
	}

	absImagePath, err := filepath.Abs(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %v", err)
	}

	return absImagePath, nil
}

// WaitForSSH polls until SSH is available
func (vm *QEMU) WaitForSSH(ctx context.Context) error {
	config := &ssh.ClientConfig{
		User:            vm.config.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password(vm.config.SSHPass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	deadline := time.Now().Add(vm.config.SSHTimeout)
	var lastErr error

	log.Status("Waiting for SSH to become available...")
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := ssh.Dial("tcp", fmt.Sprintf("localhost:%d", vm.config.SSHPort), config)
		if err == nil {
			vm.mu.Lock()
			vm.sshClient = conn
			vm.mu.Unlock()
			return nil
		}
		lastErr = err
		time.Sleep(2 * time.Second)
	}

	return fmt.Errorf("ssh timeout after %v: %w", vm.config.SSHTimeout, lastErr)
}

// Run executes a command in the VM and returns its combined output
func (vm *QEMU) Run(cmd string) (string, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.sshClient == nil {
		return "", fmt.Errorf("ssh client not connected")
	}

	session, err := vm.sshClient.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput(cmd)
	return string(output), err
}

// RunWithTimeout executes a command with a specific timeout
func (vm *QEMU) RunWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output string
		err    error
	}

	ch := make(chan result, 1)
	go func() {
		output, err := vm.Run(cmd)
		ch <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.output, r.err
	}
}

// withSFTP runs fn with an SFTP session over the VM connection
func (vm *QEMU) withSFTP(fn func(c *sftp.Client) error) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.sshClient == nil {
		return fmt.Errorf("ssh client not connected")
	}

	client, err := sftp.NewClient(vm.sshClient)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	return fn(client)
}

// CopyFile streams a local file to the VM
func (vm *QEMU) CopyFile(localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = src.Close() }()

	return vm.withSFTP(func(c *sftp.Client) error {
		dir := filepath.Dir(remotePath)
		if err := c.MkdirAll(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}

		dst, err := c.Create(remotePath)
		if err != nil {
			return fmt.Errorf("create remote file: %w", err)
		}
		defer func() { _ = dst.Close() }()

		if _, err := dst.ReadFrom(src); err != nil {
			return fmt.Errorf("write file: %w", err)
		}

		if err := c.Chmod(remotePath, mode); err != nil {
			return fmt.Errorf("chmod: %w", err)
		}
		return nil
	})
}

// ReadFile reads a file from the VM
func (vm *QEMU) ReadFile(remotePath string) ([]byte, error) {
	var data []byte
	err := vm.withSFTP(func(c *sftp.Client) error {
		f, err := c.Open(remotePath)
		if err != nil {
			return fmt.Errorf("open remote file: %w", err)
		}
		defer func() { _ = f.Close() }()

		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

// Stop shuts the VM down and removes its disks
func (vm *QEMU) Stop() {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.sshClient != nil {
		// Try graceful shutdown first
		session, err := vm.sshClient.NewSession()
		if err == nil {
			_ = session.Run("sudo shutdown -P now")
			_ = session.Close()
			time.Sleep(2 * time.Second)
		}
		_ = vm.sshClient.Close()
		vm.sshClient = nil
	}

	log.Status("Shutting down VM...")
	if vm.cmd != nil && vm.cmd.Process != nil {
		_ = vm.cmd.Process.Kill()
		_ = vm.cmd.Wait()
		vm.cmd = nil
	}

	log.Status("Cleaning up disk images...")
	for _, path := range []*string{&vm.snapshotPath, &vm.stickPath} {
		if *path != "" {
			_ = os.Remove(*path)
			*path = ""
		}
	}
}

// IsRunning checks if the VM process is still running
func (vm *QEMU) IsRunning() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.cmd == nil || vm.cmd.Process == nil {
		return false
	}

	return vm.cmd.ProcessState == nil
}
