package elm

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestSplitLines(t *testing.T) {
	got := splitLines("ATZ\r\r\rELM327 v1.5\r\r>", "ATZ")
	if !reflect.DeepEqual(got, []string{"ELM327 v1.5"}) {
		t.Fatalf("got %q", got)
	}
	got = splitLines("SEARCHING...\r410C1AF8\r\r>", "010C")
	if !reflect.DeepEqual(got, []string{"410C1AF8"}) {
		t.Fatalf("got %q", got)
	}
}

func TestParseMessages(t *testing.T) {
	cases := []struct {
		name  string
		lines []string
		want  [][]byte
	}{
		{"single", []string{"410C1AF8"}, [][]byte{{0x41, 0x0C, 0x1A, 0xF8}}},
		{"spaces", []string{"41 0C 1A F8"}, [][]byte{{0x41, 0x0C, 0x1A, 0xF8}}},
		{"two ecus", []string{"4100BE3FA813", "4100983B0011"}, [][]byte{
			{0x41, 0x00, 0xBE, 0x3F, 0xA8, 0x13},
			{0x41, 0x00, 0x98, 0x3B, 0x00, 0x11},
		}},
		{"segmented", []string{"00A", "0:49020131", "1:32333435363738"}, [][]byte{
			{0x49, 0x02, 0x01, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37},
		}},
	}
	for _, c := range cases {
		got, err := parseMessages(c.lines)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("%s: got %d messages", c.name, len(got))
		}
		for i := range got {
			if !bytes.Equal(got[i], c.want[i]) {
				t.Fatalf("%s: message %d = % X", c.name, i, got[i])
			}
		}
	}
}

func TestParseMessagesRejects(t *testing.T) {
	for _, lines := range [][]string{
		{"41ZZ"},
		{"014", "0:490201", "2:3132"},
		{"014", "0:490201"},
	} {
		if _, err := parseMessages(lines); !errors.Is(err, ErrBadResponse) {
			t.Fatalf("%q: expected ErrBadResponse, got %v", lines, err)
		}
	}
}
