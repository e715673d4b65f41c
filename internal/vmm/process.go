// Package vmm spawns and controls the external VMM (Firecracker) process for
// one VM directory: process lifecycle over a named FIFO + serial log, and
// the VMM's Unix-socket HTTP control API.
package vmm

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Handle is the opaque (pid, control socket) pair identifying one spawned
// VMM process.
type Handle struct {
	PID        int
	SocketPath string
}

// Paths returns the well-known file names inside a VM directory.
type Paths struct {
	Dir        string
	SocketPath string
	LogPath    string
	SerialOut  string
	SerialIn   string
}

// NewPaths derives the standard per-VM file layout from its directory.
func NewPaths(vmDir string) Paths {
	return Paths{
		Dir:        vmDir,
		SocketPath: filepath.Join(vmDir, "firecracker.sock"),
		LogPath:    filepath.Join(vmDir, "firecracker.log"),
		SerialOut:  filepath.Join(vmDir, "serial.log"),
		SerialIn:   filepath.Join(vmDir, "serial.in"),
	}
}

// Spawn starts the VMM binary with stdin wired to a named FIFO and stdout
// wired to a serial log file. It opens a sentinel writer on the FIFO before
// spawning so the VMM never observes a writer-EOF once a real writer
// disconnects, then detaches the child so a parent exit does not orphan it.
func Spawn(bin string, p Paths) (Handle, error) {
	_ = os.Remove(p.SocketPath)

	serialFile, err := os.Create(p.SerialOut)
	if err != nil {
		return Handle{}, fmt.Errorf("vmm: create serial log: %w", err)
	}
	defer serialFile.Close()

	_ = os.Remove(p.SerialIn)
	if err := unix.Mkfifo(p.SerialIn, 0o666); err != nil {
		return Handle{}, fmt.Errorf("vmm: mkfifo serial.in: %w", err)
	}

	// Open the FIFO read end non-blocking (no writer yet, so a blocking open
	// would hang), then clear O_NONBLOCK so the VMM's reads block normally.
	readFd, err := unix.Open(p.SerialIn, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return Handle{}, fmt.Errorf("vmm: open serial.in for reading: %w", err)
	}
	flags, err := unix.FcntlInt(uintptr(readFd), unix.F_GETFL, 0)
	if err != nil {
		unix.Close(readFd)
		return Handle{}, fmt.Errorf("vmm: fcntl F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(readFd), unix.F_SETFL, flags&^unix.O_NONBLOCK); err != nil {
		unix.Close(readFd)
		return Handle{}, fmt.Errorf("vmm: fcntl F_SETFL clear O_NONBLOCK: %w", err)
	}

	// Open the sentinel writer BEFORE spawning. The child inherits it on
	// fork, so the FIFO always has >=1 writer even after every real writer
	// has gone away. Intentionally leaked: never closed by this process.
	sentinelFd, err := unix.Open(p.SerialIn, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(readFd)
		return Handle{}, fmt.Errorf("vmm: open sentinel writer: %w", err)
	}
	_ = sentinelFd // deliberately never closed

	readFile := os.NewFile(uintptr(readFd), p.SerialIn)
	defer readFile.Close()

	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return Handle{}, fmt.Errorf("vmm: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	args := []string{
		"--api-sock", p.SocketPath,
		"--log-path", p.LogPath,
		"--level", "Warning",
	}
	proc, err := os.StartProcess(bin, append([]string{bin}, args...), &os.ProcAttr{
		Files: []*os.File{readFile, serialFile, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("vmm: spawn %s: %w", bin, err)
	}
	pid := proc.Pid
	// Detach: the spawned process runs independently of this one.
	_ = proc.Release()

	if err := waitForSocket(p.SocketPath, 5*time.Second); err != nil {
		Kill(pid)
		return Handle{}, err
	}

	return Handle{PID: pid, SocketPath: p.SocketPath}, nil
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("vmm: timed out waiting for control socket at %s", path)
}

// Kill terminates the VMM process: SIGTERM, 500ms grace, SIGKILL.
func Kill(pid int) {
	_ = unix.Kill(pid, unix.SIGTERM)
	time.Sleep(500 * time.Millisecond)
	_ = unix.Kill(pid, unix.SIGKILL)
}

// IsAlive reports whether pid still exists, via signal 0.
func IsAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// WriteSerial opens the VM's stdin FIFO write-only and writes data. Each
// call is an independent open/write/close.
func WriteSerial(p Paths, data []byte) error {
	f, err := os.OpenFile(p.SerialIn, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("vmm: open %s (is VM running?): %w", p.SerialIn, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("vmm: write serial: %w", err)
	}
	return nil
}
