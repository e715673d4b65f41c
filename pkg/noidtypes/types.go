// Package noidtypes holds the wire types shared by the tenant API server and
// the noidctl CLI front-end.
package noidtypes

import "time"

// VmInfo is the projection of a VM record returned to tenants.
type VmInfo struct {
	Name      string    `json:"name"`
	Cpus      int       `json:"cpus"`
	MemMiB    int       `json:"mem_mib"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	GuestIP   string    `json:"guest_ip,omitempty"`
}

// CheckpointInfo is the projection of a checkpoint record returned to tenants.
type CheckpointInfo struct {
	ID        string    `json:"id"`
	VMName    string    `json:"vm_name"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateVmRequest is the body of POST /v1/vms.
type CreateVmRequest struct {
	Name   string `json:"name"`
	Cpus   int    `json:"cpus,omitempty"`
	MemMiB int    `json:"mem_mib,omitempty"`
}

// ExecRequest is the body of POST /v1/vms/{name}/exec and the first WS frame
// of GET /v1/vms/{name}/exec.
type ExecRequest struct {
	Command []string `json:"command"`
	TTY     bool     `json:"tty,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// ExecResponse is the body of a synchronous exec's 200 response, and the
// shape of the final text frame on the exec WebSocket.
type ExecResponse struct {
	Stdout    string `json:"stdout"`
	ExitCode  *int   `json:"exit_code"`
	TimedOut  bool   `json:"timed_out"`
	Truncated bool   `json:"truncated"`
}

// CheckpointRequest is the body of POST /v1/vms/{name}/checkpoints.
type CheckpointRequest struct {
	Label string `json:"label,omitempty"`
}

// RestoreRequest is the body of POST /v1/vms/{name}/restore.
type RestoreRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	NewName      string `json:"new_name,omitempty"`
}

// WhoamiResponse is the body of GET /v1/whoami.
type WhoamiResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version    string `json:"version"`
	APIVersion int    `json:"api_version"`
}

// Capabilities is the body of GET /v1/capabilities.
type Capabilities struct {
	APIVersion         int `json:"api_version"`
	MaxExecOutputBytes int `json:"max_exec_output_bytes"`
	ExecTimeoutSecs    int `json:"exec_timeout_secs"`
	ConsoleTimeoutSecs int `json:"console_timeout_secs"`
	MaxVMNameLength    int `json:"max_vm_name_length"`
	DefaultCpus        int `json:"default_cpus"`
	DefaultMemMiB      int `json:"default_mem_mib"`
}

// ErrorResponse is the JSON body of every non-2xx tenant API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
