package chat

import (
	"fmt"
	"testing"
)

func TestHistoryOrder(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 5; i++ {
		h.Add(3, Line{From: "ann", Text: fmt.Sprintf("line %d", i)})
	}
	got := h.Recent(3)
	if len(got) != 5 {
		t.Fatalf("got %d lines, want 5", len(got))
	}
	for i, l := range got {
		if want := fmt.Sprintf("line %d", i); l.Text != want {
			t.Errorf("line %d = %q, want %q", i, l.Text, want)
		}
	}
}

func TestHistoryDisplacesOldest(t *testing.T) {
	h := NewHistory()
	for i := 0; i < Depth+7; i++ {
		h.Add(1, Line{Text: fmt.Sprintf("line %d", i)})
	}
	got := h.Recent(1)
	if len(got) != Depth {
		t.Fatalf("got %d lines, want %d", len(got), Depth)
	}
	if got[0].Text != "line 7" {
		t.Errorf("oldest = %q, want line 7", got[0].Text)
	}
	if got[Depth-1].Text != fmt.Sprintf("line %d", Depth+6) {
		t.Errorf("newest = %q", got[Depth-1].Text)
	}
}

func TestHistoryRoomsIndependent(t *testing.T) {
	h := NewHistory()
	h.Add(1, Line{Text: "one"})
	h.Add(2, Line{Text: "two"})
	if got := h.Recent(1); len(got) != 1 || got[0].Text != "one" {
		t.Errorf("room 1 history wrong: %+v", got)
	}
	h.Clear(1)
	if got := h.Recent(1); got != nil {
		t.Errorf("cleared room still has %d lines", len(got))
	}
	if got := h.Recent(2); len(got) != 1 {
		t.Errorf("room 2 history lost")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("hello"); err != nil {
		t.Errorf("plain text rejected: %v", err)
	}
	if err := Validate(""); err == nil {
		t.Error("empty text accepted")
	}
	if err := Validate(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid utf-8 accepted")
	}
	big := make([]byte, MaxTextBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	if err := Validate(string(big)); err == nil {
		t.Error("oversize text accepted")
	}
}
