// Package records loads snapshot logs, from every historical line schema,
// into canonical records ordered by time.
package records

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/monitoring"
)

var logf = monitoring.Scoped("records")

// ErrLogNotFound is returned by Load when the log file does not exist.
// It also matches fs.ErrNotExist.
var ErrLogNotFound = errors.New("snapshot log not found")

// tailBlockSize is the read size used when scanning backward from EOF.
const tailBlockSize = 4096

// maxLineSize bounds a single log line; longer lines are skipped.
const maxLineSize = 1 << 20

// Mode selects how much of a log Load reads.
type Mode struct {
	// TailLines limits the load to the last n non-empty lines. 0 reads the
	// whole file.
	TailLines int
}

// Full reads every line.
func Full() Mode { return Mode{} }

// Tail reads only the last n lines.
func Tail(n int) Mode { return Mode{TailLines: n} }

// Result is the outcome of a Load.
type Result struct {
	Records []CanonicalRecord
	Lines   int // non-empty lines examined
	Skipped int // lines that were not JSON objects or were over the size limit
}

// Load reads and normalizes the log at path. Malformed lines are skipped
// and counted; only a missing file or an I/O failure is an error.
func Load(fsys fsutil.FileSystem, path string, mode Mode, classes []string) (Result, error) {
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrLogNotFound, path, err)
		}
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		lines   [][]byte
		tooLong int
	)
	if mode.TailLines > 0 {
		lines, err = ReadTail(f, mode.TailLines)
	} else {
		lines, tooLong, err = readAll(f)
	}
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	if tooLong > 0 {
		logf("skipping %d lines over %d bytes in %s", tooLong, maxLineSize, path)
	}

	res := Result{
		Records: make([]CanonicalRecord, 0, len(lines)),
		Lines:   len(lines) + tooLong,
		Skipped: tooLong,
	}
	for _, line := range lines {
		if len(line) > maxLineSize {
			res.Skipped++
			logf("skipping %d-byte line in %s", len(line), path)
			continue
		}
		rec, err := Normalize(line, classes)
		if err != nil {
			res.Skipped++
			logf("skipping line in %s: %v: %.200s", path, err, line)
			continue
		}
		res.Records = append(res.Records, rec)
	}
	Sort(res.Records)
	return res, nil
}

// readAll returns every non-empty line of r and the number of lines over
// maxLineSize, which are dropped.
func readAll(r io.Reader) ([][]byte, int, error) {
	var (
		lines   [][]byte
		tooLong int
	)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := fsutil.ReadLine(br, maxLineSize)
		switch {
		case errors.Is(err, io.EOF):
			return lines, tooLong, nil
		case errors.Is(err, fsutil.ErrLineTooLong):
			tooLong++
			continue
		case err != nil:
			return nil, 0, err
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			lines = append(lines, line)
		}
	}
}

// ReadTail returns the last n non-empty lines of r, reading backward from
// the end in fixed-size blocks until n whole lines are buffered or the start
// of the file is reached.
func ReadTail(r io.ReadSeeker, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	var data []byte
	pos := size
	for pos > 0 && !hasCompleteLines(data, n) {
		readSize := int64(tailBlockSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return nil, err
		}
		chunk := make([]byte, readSize, int64(len(data))+readSize)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		data = append(chunk, data...)
	}

	raw := bytes.Split(data, []byte{'\n'})
	// Unless we reached offset 0, the first fragment may be a partial line.
	if pos > 0 && len(raw) > 0 {
		raw = raw[1:]
	}

	lines := make([][]byte, 0, n)
	for i := len(raw) - 1; i >= 0 && len(lines) < n; i-- {
		if line := bytes.TrimSpace(raw[i]); len(line) > 0 {
			lines = append(lines, line)
		}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// hasCompleteLines reports whether data holds at least n non-empty lines
// after its first line break, i.e. lines known to be whole.
func hasCompleteLines(data []byte, n int) bool {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return false
	}
	count := 0
	for _, line := range bytes.Split(data[i+1:], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			count++
			if count >= n {
				return true
			}
		}
	}
	return false
}
