package utils

import (
	"path"
	"strings"
)

// SanitizeHeaderFilename removes characters that can break headers.
func SanitizeHeaderFilename(name string) string {
	clean := strings.TrimSpace(name)
	if clean == "" {
		return "download"
	}
	clean = strings.ReplaceAll(clean, "\r", "")
	clean = strings.ReplaceAll(clean, "\n", "")
	clean = strings.ReplaceAll(clean, "\"", "")
	return clean
}

// SanitizeEntryName flattens a name so it cannot carry path segments.
// 保证安全
func SanitizeEntryName(name string) string {
	clean := strings.TrimSpace(name)
	clean = strings.ReplaceAll(clean, "\\", "/")
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(clean, "..", "_")
	if clean == "" || clean == "." {
		return "unnamed"
	}
	return clean
}

// HasDeniedExtension reports whether the filename carries an extension from
// the denylist. Double extensions like "evil.pdf.exe" resolve to the last one.
func HasDeniedExtension(filename string, denied []string) bool {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filename)))
	if ext == "" {
		return false
	}
	for _, d := range denied {
		if ext == strings.ToLower(d) {
			return true
		}
	}
	return false
}
