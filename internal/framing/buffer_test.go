package framing

import (
	"bytes"
	"strings"
	"testing"
)

// feed writes data into the buffer through the Writable/Commit cycle,
// in chunks of at most chunk bytes, collecting every line produced.
func feed(t *testing.T, b *Buffer, data []byte, chunk int) []string {
	t.Helper()
	var lines []string
	for len(data) > 0 {
		w, err := b.Writable()
		if err != nil {
			t.Fatalf("writable: %v", err)
		}
		n := len(w)
		if n > chunk {
			n = chunk
		}
		if n > len(data) {
			n = len(data)
		}
		copy(w, data[:n])
		b.Commit(n)
		data = data[n:]
		for {
			line, ok := b.NextLine()
			if !ok {
				break
			}
			lines = append(lines, string(line))
		}
	}
	return lines
}

func TestTerminatorsEquivalent(t *testing.T) {
	for _, term := range []string{"\n", "\r", "\r\n"} {
		b := NewBuffer()
		data := []byte("first" + term + "second" + term + "third" + term)
		lines := feed(t, b, data, 1<<20)
		want := []string{"first", "second", "third"}
		if len(lines) != len(want) {
			t.Fatalf("term %q: got %d lines %v", term, len(lines), lines)
		}
		for i := range want {
			if lines[i] != want[i] {
				t.Fatalf("term %q: line %d = %q, want %q", term, i, lines[i], want[i])
			}
		}
	}
}

func TestArbitrarySplitsSameLines(t *testing.T) {
	payload := []byte("200 0 alice 1.2.3.4 <none> cookie 0\r\n302 P:1,2\nlong " +
		strings.Repeat("x", 3000) + "\r\ntail\n")
	whole := feed(t, NewBuffer(), payload, 1<<20)
	for _, chunk := range []int{1, 2, 3, 7, 100, 1023} {
		got := feed(t, NewBuffer(), payload, chunk)
		if len(got) != len(whole) {
			t.Fatalf("chunk %d: %d lines, want %d", chunk, len(got), len(whole))
		}
		for i := range whole {
			if got[i] != whole[i] {
				t.Fatalf("chunk %d line %d = %q want %q", chunk, i, got[i], whole[i])
			}
		}
	}
}

func TestGrowthAndCompaction(t *testing.T) {
	b := NewBuffer()
	long := bytes.Repeat([]byte("a"), 5*AllocStep)
	long = append(long, '\n')
	lines := feed(t, b, long, 512)
	if len(lines) != 1 || len(lines[0]) != 5*AllocStep {
		t.Fatalf("long line mangled: %d lines, len %d", len(lines), len(lines[0]))
	}
	if b.Size() < 5*AllocStep {
		t.Fatalf("buffer did not grow, size=%d", b.Size())
	}
	// the buffer resets once drained, so a following short line lands at
	// the front
	more := feed(t, b, []byte("short\n"), 512)
	if len(more) != 1 || more[0] != "short" {
		t.Fatalf("post-growth line = %v", more)
	}
}

func TestOverflowAtCap(t *testing.T) {
	b := NewBuffer()
	total := 0
	for {
		w, err := b.Writable()
		if err != nil {
			if err != ErrOverflow {
				t.Fatalf("unexpected error %v", err)
			}
			break
		}
		for i := range w {
			w[i] = 'z' // never a terminator
		}
		b.Commit(len(w))
		total += len(w)
		if total > MaxInputSize {
			t.Fatalf("accepted %d bytes past the cap", total)
		}
	}
	if total != MaxInputSize {
		t.Fatalf("overflowed at %d, want exactly %d", total, MaxInputSize)
	}
}

func TestMultipleLinesPerRead(t *testing.T) {
	b := NewBuffer()
	lines := feed(t, b, []byte("a\nb\nc\nd"), 1<<20)
	if len(lines) != 3 {
		t.Fatalf("got %v", lines)
	}
	// the partial "d" stays pending
	if b.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", b.Pending())
	}
}
