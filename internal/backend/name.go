package backend

import "strings"

// MaxNameLength is the longest a VM name may be.
const MaxNameLength = 64

// ValidateName reports whether name is safe to use as a path component on
// every storage layer the backend touches: non-empty, bounded, no path
// separators or traversal, and not starting with a character that could be
// mistaken for a flag or a hidden file.
func ValidateName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return false
	}
	switch name[0] {
	case '.', '-':
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isUpper := c >= 'A' && c <= 'Z'
		isDigit := c >= '0' && c <= '9'
		isSym := c == '-' || c == '_' || c == '.'
		if !isLower && !isUpper && !isDigit && !isSym {
			return false
		}
	}
	return true
}
