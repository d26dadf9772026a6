package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeHeaderFilename(t *testing.T) {
	assert.Equal(t, "download", SanitizeHeaderFilename("  "))
	assert.Equal(t, "report.pdf", SanitizeHeaderFilename("report.pdf"))
	assert.Equal(t, "ab", SanitizeHeaderFilename("a\r\nb"))
	assert.Equal(t, "quoted", SanitizeHeaderFilename(`"quoted"`))
}

func TestSanitizeEntryName(t *testing.T) {
	assert.Equal(t, "unnamed", SanitizeEntryName(""))
	assert.Equal(t, "unnamed", SanitizeEntryName("."))
	assert.Equal(t, "a_b", SanitizeEntryName("a/b"))
	assert.Equal(t, "a_b", SanitizeEntryName(`a\b`))
	assert.Equal(t, "__etc_passwd", SanitizeEntryName("../etc/passwd"))
}

func TestHasDeniedExtension(t *testing.T) {
	denied := []string{".exe", ".bat", ".sh"}

	assert.True(t, HasDeniedExtension("setup.exe", denied))
	assert.True(t, HasDeniedExtension("SETUP.EXE", denied))
	// 双扩展名取最后一个
	assert.True(t, HasDeniedExtension("invoice.pdf.exe", denied))
	assert.False(t, HasDeniedExtension("report.pdf", denied))
	assert.False(t, HasDeniedExtension("no_extension", denied))
	assert.False(t, HasDeniedExtension("archive.exe.zip", denied))
}
