package vmm

import (
	"fmt"
	"os"
	"path/filepath"
	"unicode"
)

// ExtractEmbeddedRootfsPath scans a vmstate snapshot file for a run of ASCII
// path bytes (letters, digits, '/', '.', '-', '_') ending in "/" plus
// rootfsFilename. An embedded path containing any other byte (a space, a
// non-ASCII character) is not found. The VMM embeds the absolute rootfs
// path it booted from inside the vmstate blob; at load time it reopens that
// exact path, so a restore into a different VM directory must alias it.
//
// This is a heuristic, not a parser of the vmstate binary format: it can
// match spuriously on unrelated strings that happen to end in the same
// filename, but in practice the only such string in a snapshot is the path
// the VMM itself wrote.
func ExtractEmbeddedRootfsPath(vmstatePath, rootfsFilename string) (string, bool) {
	data, err := os.ReadFile(vmstatePath)
	if err != nil {
		return "", false
	}

	suffix := string(filepath.Separator) + rootfsFilename
	var run []byte
	for i := 0; i <= len(data); i++ {
		var r rune
		ok := false
		if i < len(data) && data[i] < unicode.MaxASCII && isPrintablePathByte(data[i]) {
			r = rune(data[i])
			ok = true
		}
		if ok {
			run = append(run, byte(r))
			continue
		}
		if len(run) > len(suffix) && string(run[len(run)-len(suffix):]) == suffix {
			return string(run), true
		}
		run = run[:0]
	}
	return "", false
}

func isPrintablePathByte(b byte) bool {
	return b == '/' || b == '.' || b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// LinkAlias creates a hard link at aliasPath pointing at rootfsPath, so a
// snapshot/load that expects to reopen its originally-embedded rootfs path
// succeeds even though the new VM directory named it differently.
func LinkAlias(aliasPath, rootfsPath string) error {
	if aliasPath == rootfsPath {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(aliasPath), 0o755); err != nil {
		return fmt.Errorf("vmm: mkdir for rootfs alias: %w", err)
	}
	_ = os.Remove(aliasPath)
	if err := os.Link(rootfsPath, aliasPath); err != nil {
		return fmt.Errorf("vmm: link rootfs alias %s -> %s: %w", aliasPath, rootfsPath, err)
	}
	return nil
}

// RemoveAlias removes a previously-created alias. A no-op when aliasPath
// equals rootfsPath (LinkAlias never created anything in that case).
func RemoveAlias(aliasPath, rootfsPath string) error {
	if aliasPath == rootfsPath {
		return nil
	}
	return os.Remove(aliasPath)
}
