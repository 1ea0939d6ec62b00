package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(dir, "session.json"), false},
		{"nested new dir", filepath.Join(dir, "a", "b", "session.json"), false},
		{"dir itself", dir, false},
		{"dot dot escape", filepath.Join(dir, "..", "session.json"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathRejectsSymlinkedParent(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "escape")
	require.NoError(t, os.Symlink(outside, link))

	err := ValidatePathWithinDirectory(filepath.Join(link, "new.json"), dir)
	assert.ErrorContains(t, err, "path traversal detected")
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                                     "unknown",
		"3f2a9c1e-7d4b-4e0a-9b55-0c8f5e8d2a11": "3f2a9c1e-7d4b-4e0a-9b55-0c8f5e8d2a11",
		"../../etc/passwd":                     "etc_passwd",
		"flight one/two":                       "flight_one_two",
		"a  //  b":                             "a_b",
		"...":                                  "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}

	long := SanitizeFilename(strings.Repeat("x", 500))
	assert.Len(t, long, maxFilenameLen)
}
