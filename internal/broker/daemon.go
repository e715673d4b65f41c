package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opensandbox/opensandbox/internal/addressing"
	"github.com/opensandbox/opensandbox/internal/ipassign"
	"github.com/opensandbox/opensandbox/internal/tapdev"
)

// TapPrefix is the required prefix for every TAP device this broker manages;
// teardown rejects any name not beginning with it.
const TapPrefix = "noid"

// Daemon is the privileged network broker: it owns a process-wide set of
// active TAP names and serves one request at a time over a Unix socket.
type Daemon struct {
	socketPath string

	mu     sync.Mutex
	active map[string]int // tap name -> index
}

// New creates a Daemon bound to socketPath (not yet listening).
func New(socketPath string) *Daemon {
	return &Daemon{socketPath: socketPath, active: make(map[string]int)}
}

// Start runs the full broker startup sequence and then serves forever. It
// returns only on a listener error.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o755); err != nil {
		return fmt.Errorf("broker: mkdir runtime dir: %w", err)
	}
	_ = os.Remove(d.socketPath)

	if err := d.cleanupOrphanedTaps(); err != nil {
		log.Printf("noid-netd: orphan TAP cleanup: %v", err)
	}

	if err := EnableForwarding(); err != nil {
		log.Printf("noid-netd: forwarding setup: %v", err)
	}

	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", d.socketPath, err)
	}
	defer ln.Close()
	if err := os.Chmod(d.socketPath, 0o666); err != nil {
		return fmt.Errorf("broker: chmod socket: %w", err)
	}

	log.Printf("noid-netd: listening on %s", d.socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("broker: accept: %w", err)
		}
		d.serveOne(conn)
	}
}

// cleanupOrphanedTaps scans the interface table and destroys any
// pre-existing noid*-prefixed TAPs left over from a prior crashed broker.
func (d *Daemon) cleanupOrphanedTaps() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if !strings.HasPrefix(iface.Name, TapPrefix) {
			continue
		}
		if err := tapdev.Destroy(iface.Name); err != nil {
			log.Printf("noid-netd: failed to destroy orphan TAP %s: %v", iface.Name, err)
			continue
		}
		log.Printf("noid-netd: destroyed orphan TAP %s", iface.Name)
	}
	return nil
}

// serveOne implements the one-accept-read-reply-close cycle: read exactly
// one JSON line, handle it, write exactly one JSON line, close.
func (d *Daemon) serveOne(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	var req Request
	resp := func() any {
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &req); err != nil {
			return ErrResponse{Error: fmt.Sprintf("invalid request: %v", err)}
		}
		return d.handle(req)
	}()

	enc := json.NewEncoder(conn)
	_ = enc.Encode(resp)
}

func (d *Daemon) handle(req Request) any {
	switch req.Op {
	case "setup":
		return d.handleSetup(req)
	case "teardown":
		return d.handleTeardown(req)
	case "status":
		return d.handleStatus()
	default:
		return ErrResponse{Error: "unknown op"}
	}
}

// handleSetup derives the config for the requested index, creates the TAP,
// assigns the host IP, and links it up -- rolling back everything already
// done on any failure.
func (d *Daemon) handleSetup(req Request) any {
	if req.Index == nil {
		return ErrResponse{Error: "setup requires index"}
	}
	cfg, err := addressing.Derive(*req.Index)
	if err != nil {
		return ErrResponse{Error: err.Error()}
	}

	if err := tapdev.Create(cfg.TapName); err != nil {
		return ErrResponse{Error: err.Error()}
	}

	ip := net.ParseIP(cfg.HostIP)
	if err := ipassign.Assign(cfg.TapName, ip, 30); err != nil {
		_ = tapdev.Destroy(cfg.TapName)
		return ErrResponse{Error: err.Error()}
	}

	if err := tapdev.LinkUp(cfg.TapName); err != nil {
		_ = tapdev.Destroy(cfg.TapName)
		return ErrResponse{Error: err.Error()}
	}

	d.mu.Lock()
	d.active[cfg.TapName] = cfg.Index
	d.mu.Unlock()

	return SetupResponse{OK: true, TapName: cfg.TapName, HostIP: cfg.HostIP, GuestIP: cfg.GuestIP, GuestMAC: cfg.GuestMAC}
}

func (d *Daemon) handleTeardown(req Request) any {
	if req.TapName == "" {
		return ErrResponse{Error: "teardown requires tap_name"}
	}
	if !strings.HasPrefix(req.TapName, TapPrefix) {
		return ErrResponse{Error: fmt.Sprintf("refusing to tear down non-%s-prefixed interface", TapPrefix)}
	}
	if err := tapdev.Destroy(req.TapName); err != nil {
		return ErrResponse{Error: err.Error()}
	}
	d.mu.Lock()
	delete(d.active, req.TapName)
	d.mu.Unlock()
	return OkResponse{OK: true}
}

func (d *Daemon) handleStatus() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.active))
	for name := range d.active {
		names = append(names, name)
	}
	return StatusResponse{OK: true, Active: names}
}
