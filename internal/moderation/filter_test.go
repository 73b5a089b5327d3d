package moderation

import "testing"

func TestTermMatching(t *testing.T) {
	f := NewFilter([]string{"casino", " Free Gold "})
	cases := []struct {
		text string
		want bool
		term string
	}{
		{"come play at my casino tonight", true, "casino"},
		{"free gold for everyone", true, "free gold"},
		{"nice game, rematch?", false, ""},
		{"CASINO", true, "casino"},
	}
	for _, c := range cases {
		r := f.Check(c.text)
		if r.Flagged != c.want {
			t.Errorf("Check(%q) flagged=%v, want %v", c.text, r.Flagged, c.want)
		}
		if c.want && r.Term != c.term {
			t.Errorf("Check(%q) term=%q, want %q", c.text, r.Term, c.term)
		}
	}
}

func TestEmptyFilterStillCatchesSpam(t *testing.T) {
	f := NewFilter(nil)
	if r := f.Check("visit https://example.com now"); !r.Flagged || r.Reason != "spam_pattern" {
		t.Errorf("url not flagged: %+v", r)
	}
	if r := f.Check("good move"); r.Flagged {
		t.Errorf("clean text flagged: %+v", r)
	}
}

func TestSpamPatterns(t *testing.T) {
	cases := []struct {
		text string
		want string // pattern name, empty = clean
	}{
		{"check www.spam.example for deals", "url"},
		{"buy at cheapgold.xyz/shop", "url"},
		{"call +1-555-123-4567 now", "phone"},
		{"aaaaaargh", "char_flood"},
		{"pay pay pay attention", "word_flood"},
		{"I moved to C4, your turn", ""},
		{"version 2.0 fixed that", ""},
		{"score was 100 to 97", ""},
	}
	for _, c := range cases {
		r := checkSpamPatterns(c.text)
		if (c.want == "") == r.Flagged {
			t.Errorf("checkSpamPatterns(%q) flagged=%v, want pattern %q", c.text, r.Flagged, c.want)
			continue
		}
		if c.want != "" && r.Term != c.want {
			t.Errorf("checkSpamPatterns(%q) matched %q, want %q", c.text, r.Term, c.want)
		}
	}
}

func TestFloodScans(t *testing.T) {
	if hasCharFlood("aaaa") {
		t.Error("four repeats should pass")
	}
	if !hasCharFlood("aaaaa") {
		t.Error("five repeats should flag")
	}
	if hasWordFlood("go go") {
		t.Error("two repeats should pass")
	}
	if !hasWordFlood("go GO go") {
		t.Error("case-insensitive triple should flag")
	}
}
