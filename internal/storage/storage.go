// Package storage manages the on-disk layout of VM directories, rootfs
// image cloning and golden-snapshot artifacts.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Layout resolves every path derived from a data directory root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at dataDir.
func New(dataDir string) Layout {
	return Layout{Root: dataDir}
}

// VMDir returns the per-VM directory for name, owned by user.
func (l Layout) VMDir(user, name string) string {
	return filepath.Join(l.Root, "vms", user, name)
}

// CheckpointDir returns the directory holding a tenant's checkpoints. It
// lives outside the VM directory tree: a checkpoint outlives the VM that
// produced it, so destroying the VM (which removes its directory wholesale)
// must not take the checkpoint's snapshot files with it.
func (l Layout) CheckpointDir(user string) string {
	return filepath.Join(l.Root, "checkpoints", user)
}

// CheckpointPath returns the directory for one specific checkpoint.
func (l Layout) CheckpointPath(user, checkpointID string) string {
	return filepath.Join(l.CheckpointDir(user), checkpointID)
}

// GoldenDir is the shared, read-mostly directory holding the boot-ready
// golden snapshot used to fast-path cold boots.
func (l Layout) GoldenDir() string {
	return filepath.Join(l.Root, "golden")
}

// CreateVMDir creates an empty VM directory tree (idempotent on EEXIST).
func (l Layout) CreateVMDir(user, name string) (string, error) {
	dir := l.VMDir(user, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create vm dir %s: %w", dir, err)
	}
	return dir, nil
}

// DeleteVMDir removes a VM's entire directory tree.
func (l Layout) DeleteVMDir(user, name string) error {
	dir := l.VMDir(user, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: delete vm dir %s: %w", dir, err)
	}
	return nil
}

// ReflinkRootfs copies baseImage to destPath, preferring a copy-on-write
// reflink (instant, near-zero extra disk use on XFS/btrfs) and falling back
// to a plain copy when the filesystem does not support it.
func ReflinkRootfs(baseImage, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for rootfs: %w", err)
	}
	cmd := exec.Command("cp", "--reflink=auto", baseImage, destPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("storage: copy rootfs: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CreateSnapshot ensures a checkpoint directory exists and returns the
// mem/state file paths the VMM snapshot API should write to.
func (l Layout) CreateSnapshot(user, checkpointID string) (memPath, statePath string, err error) {
	dir := l.CheckpointPath(user, checkpointID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("storage: create checkpoint dir %s: %w", dir, err)
	}
	return filepath.Join(dir, "memory.snap"), filepath.Join(dir, "vmstate.snap"), nil
}

// SnapshotRootfs reflinks a VM's current rootfs image into its checkpoint
// directory, so the checkpoint remains independently restorable after the
// originating VM is destroyed.
func (l Layout) SnapshotRootfs(user, checkpointID, rootfsPath string) error {
	dest := filepath.Join(l.CheckpointPath(user, checkpointID), "rootfs.ext4")
	return ReflinkRootfs(rootfsPath, dest)
}

// CloneSnapshot copies a checkpoint's mem/state/rootfs files into a new
// VM directory so the new VM can be restored from them independently of the
// source checkpoint (which may later be deleted).
func CloneSnapshot(checkpointDir, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir clone dest %s: %w", destDir, err)
	}
	for _, name := range []string{"memory.snap", "vmstate.snap", "rootfs.ext4"} {
		src := filepath.Join(checkpointDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(destDir, name)
		if err := ReflinkRootfs(src, dst); err != nil {
			return fmt.Errorf("storage: clone %s: %w", name, err)
		}
	}
	return nil
}

// GoldenConfig is the VM shape (cpus, memory, kernel, rootfs, boot args)
// recorded alongside a golden snapshot. Create takes the warm path only when
// Cpus and MemMiB match the request; the kernel, rootfs and boot-args fields
// are not compared.
type GoldenConfig struct {
	Cpus       int    `json:"cpus"`
	MemMiB     int    `json:"mem_mib"`
	KernelPath string `json:"kernel_path"`
	RootfsPath string `json:"rootfs_path"`
	BootArgs   string `json:"boot_args"`
}

// GoldenSnapshotExists reports whether a usable golden snapshot (mem, state
// and config file all present) has already been produced.
func (l Layout) GoldenSnapshotExists() bool {
	dir := l.GoldenDir()
	for _, name := range []string{"memory.snap", "vmstate.snap", "config.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// GoldenConfigRead loads the recorded golden-snapshot configuration.
func (l Layout) GoldenConfigRead() (GoldenConfig, error) {
	var cfg GoldenConfig
	b, err := os.ReadFile(filepath.Join(l.GoldenDir(), "config.json"))
	if err != nil {
		return cfg, fmt.Errorf("storage: read golden config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("storage: decode golden config: %w", err)
	}
	return cfg, nil
}

// GoldenConfigWrite records the configuration a golden snapshot was taken
// under, so later boots can validate a fast-path reuse is safe.
func (l Layout) GoldenConfigWrite(cfg GoldenConfig) error {
	dir := l.GoldenDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir golden dir: %w", err)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("storage: encode golden config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), b, 0o644); err != nil {
		return fmt.Errorf("storage: write golden config: %w", err)
	}
	return nil
}

// GoldenSnapshotPaths returns the mem/state files of the shared golden
// snapshot.
func (l Layout) GoldenSnapshotPaths() (memPath, statePath string) {
	dir := l.GoldenDir()
	return filepath.Join(dir, "memory.snap"), filepath.Join(dir, "vmstate.snap")
}

// GoldenSnapshotRootfsPath returns the rootfs image the golden snapshot was
// captured against; VMs booting from it get their own reflink clone of this
// file, so the image itself is never written by a VM.
func (l Layout) GoldenSnapshotRootfsPath() string {
	return filepath.Join(l.GoldenDir(), "rootfs.ext4")
}

// LinkGoldenRootfs hard-links the golden rootfs image into destPath. Falls
// back to a reflink copy if the two paths are not on the same filesystem.
func (l Layout) LinkGoldenRootfs(destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for golden rootfs link: %w", err)
	}
	src := l.GoldenSnapshotRootfsPath()
	if err := os.Link(src, destPath); err != nil {
		return ReflinkRootfs(src, destPath)
	}
	return nil
}
