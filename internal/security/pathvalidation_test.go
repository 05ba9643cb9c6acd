package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id      string
		wantErr bool
	}{
		{"cam01", false},
		{"Nga_Tu-So.2", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../etc", true},
		{"a/b", true},
		{"a b", true},
		{"cam\x00", true},
		{strings.Repeat("a", 129), true},
		{strings.Repeat("a", 128), false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			err := ValidateStreamID(tt.id)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidStreamID))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"direct child", filepath.Join(root, "cam01", "2024-01-01.ndjson"), false},
		{"root itself", root, false},
		{"dotdot escape", filepath.Join(root, "..", "outside.ndjson"), true},
		{"nested escape", filepath.Join(root, "cam01", "..", "..", "x"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePathWithinDirectory(tt.path, root)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_MissingRoot(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "not", "created")

	assert.NoError(t, ValidatePathWithinDirectory(filepath.Join(root, "cam", "d.ndjson"), root))
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(root, "..", "x"), root))
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "evil")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	err := ValidatePathWithinDirectory(filepath.Join(link, "newfile.json"), root)
	assert.Error(t, err)
}
