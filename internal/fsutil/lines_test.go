package fsutil

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllLines(t *testing.T, r io.Reader, limit int) (lines []string, tooLong int) {
	t.Helper()
	br := bufio.NewReaderSize(r, 16)
	for {
		line, err := ReadLine(br, limit)
		if errors.Is(err, io.EOF) {
			return lines, tooLong
		}
		if errors.Is(err, ErrLineTooLong) {
			tooLong++
			continue
		}
		require.NoError(t, err)
		lines = append(lines, string(line))
	}
}

func TestReadLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []string
		tooLong int
	}{
		{"empty", "", nil, 0},
		{"trailing newline", "a\nb\n", []string{"a", "b"}, 0},
		{"no trailing newline", "a\nb", []string{"a", "b"}, 0},
		{"blank lines kept", "a\n\nb\n", []string{"a", "", "b"}, 0},
		{"exactly at limit", strings.Repeat("x", 40) + "\n", []string{strings.Repeat("x", 40)}, 0},
		{"long line skipped", "a\n" + strings.Repeat("x", 100) + "\nb\n", []string{"a", "b"}, 1},
		{"long final line", "a\n" + strings.Repeat("x", 100), []string{"a"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, tooLong := readAllLines(t, strings.NewReader(tt.input), 40)
			assert.Equal(t, tt.want, lines)
			assert.Equal(t, tt.tooLong, tooLong)
		})
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("device gone") }

func TestReadLine_ReadError(t *testing.T) {
	t.Parallel()
	_, err := ReadLine(bufio.NewReader(brokenReader{}), 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrLineTooLong)
}
