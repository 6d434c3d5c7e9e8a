//go:build integration

// Package cliclient drives the ventoy-writer binary inside the test VM
package cliclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kriansa/ventoy-writer/tests/integration/vm"
)

// Device mirrors an entry of `ventoy-writer list --json`
type Device struct {
	Path       string      `json:"path"`
	Size       uint64      `json:"size"`
	SizeStr    string      `json:"size_str"`
	Model      string      `json:"model"`
	Vendor     string      `json:"vendor"`
	Partitions []Partition `json:"partitions"`
	Ventoy     bool        `json:"ventoy"`
}

// Partition is a partition of a listed device
type Partition struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

// Info mirrors `ventoy-writer info --json`
type Info struct {
	Device     string `json:"device"`
	Installed  bool   `json:"installed"`
	Partitions []struct {
		Name  string `json:"name"`
		Label string `json:"label"`
	} `json:"partitions"`
}

// Image mirrors an entry of `ventoy-writer images --json`
type Image struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Label    string `json:"label"`
	Bootable bool   `json:"bootable"`
}

// CommandError is a non-zero exit of the binary
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ventoy-writer %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

// Client runs the binary over SSH
type Client struct {
	vm     vm.VM
	binary string
	config string
}

// New creates a client for the binary at path using the config file at configPath
func New(v vm.VM, path, configPath string) *Client {
	return &Client{vm: v, binary: path, config: configPath}
}

// Exec runs the binary with args and returns its combined output
func (c *Client) Exec(args ...string) (string, error) {

	output, err := c.vm.Run(c.commandLine(args) + " </dev/null")
	if err != nil {
		return output, &CommandError{Args: args, Output: output, Err: err}
	}
	return output, nil
}

func (c *Client) execJSON(v any, args ...string) error {

	// Logs go to stderr, so only stdout is decoded
	output, err := c.vm.Run(c.commandLine(args) + " </dev/null 2>/dev/null")
	if err != nil {
		return &CommandError{Args: args, Output: output, Err: err}
	}
	if err := json.Unmarshal([]byte(output), v); err != nil {
		return fmt.Errorf("unmarshal output: %w: %s", err, output)
	}
	return nil
}

// List returns the USB devices the binary sees
func (c *Client) List() ([]Device, error) {
	var devices []Device
	err := c.execJSON(&devices, "list", "--json")
	return devices, err
}

// Info returns the Ventoy layout of device
func (c *Client) Info(device string) (*Info, error) {
	var info Info
	if err := c.execJSON(&info, "info", "--json", device); err != nil {
		return nil, err
	}
	return &info, nil
}

// Locate returns the partition images are copied to
func (c *Client) Locate(device string) (string, error) {
	output, err := c.Exec("locate", device)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return lines[len(lines)-1], nil
}

// Install installs Ventoy on device without asking
func (c *Client) Install(device string) (string, error) {
	return c.Exec("install", "--yes", device)
}

// Write copies images onto device
func (c *Client) Write(device string, images ...string) (string, error) {
	return c.Exec(append([]string{"write", device}, images...)...)
}

// Images inspects images without copying them
func (c *Client) Images(images ...string) ([]Image, error) {
	var out []Image
	err := c.execJSON(&out, append([]string{"images", "--json"}, images...)...)
	return out, err
}

func (c *Client) commandLine(args []string) string {
	parts := []string{c.binary, "--config", shellQuote(c.config)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
