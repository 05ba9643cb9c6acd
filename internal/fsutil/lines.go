package fsutil

import (
	"bufio"
	"errors"
	"io"
)

// ErrLineTooLong is returned by ReadLine for a line longer than its limit.
// The whole line has been consumed, so reading can continue with the next.
var ErrLineTooLong = errors.New("line too long")

// ReadLine returns the next line from br without its trailing newline.
// A final line without a newline is returned with a nil error; io.EOF is
// returned only once nothing is left. Lines over limit bytes are discarded
// and reported as ErrLineTooLong without buffering them.
func ReadLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong, read := false, false
	for {
		chunk, err := br.ReadSlice('\n')
		read = read || len(chunk) > 0
		if n := len(chunk); n > 0 && chunk[n-1] == '\n' {
			chunk = chunk[:n-1]
		}
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if !read {
				return nil, io.EOF
			}
		case err != nil:
			return nil, err
		}
		if tooLong {
			return nil, ErrLineTooLong
		}
		if line == nil {
			line = []byte{}
		}
		return line, nil
	}
}
