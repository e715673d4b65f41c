package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client talks to one VMM's control API over its Unix domain socket.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client dialing socketPath for every request via a
// custom DialContext rather than a hand-rolled request writer.
func NewClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vmm: marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return fmt.Errorf("vmm: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vmm: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vmm: %s %s: status %d: %s", method, path, resp.StatusCode, string(msg))
	}
	return nil
}

// MachineConfig mirrors the VMM's /machine-config PUT body.
type MachineConfig struct {
	VCPUCount  int  `json:"vcpu_count"`
	MemSizeMiB int  `json:"mem_size_mib"`
	SMT        bool `json:"smt"`
}

// PutMachineConfig sets VM vCPU count and memory size before boot.
func (c *Client) PutMachineConfig(ctx context.Context, cfg MachineConfig) error {
	return c.do(ctx, http.MethodPut, "/machine-config", cfg)
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

// PutBootSource configures the guest kernel and its boot command line.
func (c *Client) PutBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.do(ctx, http.MethodPut, "/boot-source", bootSource{KernelImagePath: kernelPath, BootArgs: bootArgs})
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// PutRootDrive attaches the rootfs image as the VM's single boot drive.
func (c *Client) PutRootDrive(ctx context.Context, pathOnHost string, readOnly bool) error {
	d := drive{DriveID: "rootfs", PathOnHost: pathOnHost, IsRootDevice: true, IsReadOnly: readOnly}
	return c.do(ctx, http.MethodPut, "/drives/rootfs", d)
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac"`
}

// PutNetworkInterface attaches the host TAP device as the VM's single NIC.
func (c *Client) PutNetworkInterface(ctx context.Context, tapName, guestMAC string) error {
	n := networkInterface{IfaceID: "eth0", HostDevName: tapName, GuestMAC: guestMAC}
	return c.do(ctx, http.MethodPut, "/network-interfaces/eth0", n)
}

type action struct {
	ActionType string `json:"action_type"`
}

// StartInstance issues the InstanceStart action, booting the configured VM.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", action{ActionType: "InstanceStart"})
}

type vmState struct {
	State string `json:"state"`
}

// Pause transitions a running VM to Paused.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", vmState{State: "Paused"})
}

// Resume transitions a paused VM back to Resumed.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", vmState{State: "Resumed"})
}

type snapshotCreate struct {
	SnapshotType string `json:"snapshot_type"`
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
}

// CreateSnapshot requires the VM to already be Paused; it writes a full
// memory file and state snapshot to the given paths.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	body := snapshotCreate{SnapshotType: "Full", SnapshotPath: snapshotPath, MemFilePath: memFilePath}
	return c.do(ctx, http.MethodPut, "/snapshot/create", body)
}

type snapshotLoad struct {
	SnapshotPath        string     `json:"snapshot_path"`
	MemBackend          memBackend `json:"mem_backend"`
	EnableDiffSnapshots bool       `json:"enable_diff_snapshots"`
	ResumeVM            bool       `json:"resume_vm"`
}

type memBackend struct {
	BackendPath string `json:"backend_path"`
	BackendType string `json:"backend_type"`
}

// LoadSnapshot loads a previously created snapshot and resumes it
// immediately, used by both the warm-restore path and the golden-snapshot
// fast boot path.
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	body := snapshotLoad{
		SnapshotPath:        snapshotPath,
		MemBackend:          memBackend{BackendPath: memFilePath, BackendType: "File"},
		EnableDiffSnapshots: false,
		ResumeVM:            true,
	}
	return c.do(ctx, http.MethodPut, "/snapshot/load", body)
}
