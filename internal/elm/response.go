package elm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// splitLines turns raw adapter output into trimmed response lines, dropping
// the prompt, blank lines, the command echo and progress notices.
func splitLines(raw, cmd string) []string {
	raw = strings.ReplaceAll(raw, ">", "")
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		switch {
		case f == "", f == cmd, strings.HasPrefix(f, "SEARCHING"):
			continue
		}
		out = append(out, f)
	}
	return out
}

// parseMessages decodes hex response lines into ISO-TP payloads. A length
// line followed by "0:", "1:", ... segments is one reassembled message;
// every other line is a single-frame answer.
func parseMessages(lines []string) ([][]byte, error) {
	var out [][]byte
	for i := 0; i < len(lines); i++ {
		ln := strings.ReplaceAll(lines[i], " ", "")
		if i+1 < len(lines) && len(ln) <= 3 && strings.HasPrefix(lines[i+1], "0:") {
			size, err := strconv.ParseUint(ln, 16, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: length %q", ErrBadResponse, ln)
			}
			msg, next, err := joinSegments(lines[i+1:], int(size))
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
			i += next
			continue
		}
		b, err := hex.DecodeString(ln)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadResponse, lines[i])
		}
		out = append(out, b)
	}
	return out, nil
}

// joinSegments concatenates "n:" lines until size bytes were collected and
// returns the number of lines consumed.
func joinSegments(lines []string, size int) ([]byte, int, error) {
	buf := make([]byte, 0, size)
	for n, ln := range lines {
		idx := strings.IndexByte(ln, ':')
		if idx < 1 {
			break
		}
		seq, err := strconv.ParseUint(strings.TrimSpace(ln[:idx]), 16, 8)
		if err != nil || int(seq) != n&0x0F {
			return nil, 0, fmt.Errorf("%w: segment %q out of order", ErrBadResponse, ln)
		}
		b, err := hex.DecodeString(strings.ReplaceAll(ln[idx+1:], " ", ""))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %q", ErrBadResponse, ln)
		}
		buf = append(buf, b...)
		if len(buf) >= size {
			return buf[:size], n + 1, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: short multi-frame response (%d of %d bytes)", ErrBadResponse, len(buf), size)
}
