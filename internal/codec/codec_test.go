package codec

import (
	"bytes"
	"testing"
)

// pairedCodecs returns a client-side and server-side codec keyed the way
// the intro handshake keys them: the client's outbound stream must match
// the server's inbound stream and vice versa.
func pairedCodecs(t *testing.T) (client, server *Codec) {
	t.Helper()
	client = &Codec{}
	server = &Codec{}
	client.SeedOut("10.20.30.40.12345")
	server.SeedIn("10.20.30.40.12345")
	client.SeedIn("11.22.33.44.54321")
	server.SeedOut("11.22.33.44.54321")
	return client, server
}

func TestRoundTrip(t *testing.T) {
	client, server := pairedCodecs(t)

	lines := []string{
		"210 xchat hello world",
		"302 P:1,2,3",
		"336 mygame 120 -48271 move K10",
		"a", "", "   spaces kept   ",
	}
	for _, line := range lines {
		var wire []byte
		wire, _, _ = client.EncodeAppend(nil, line, 0, 0)
		got := append([]byte(nil), wire...)
		server.DecodeLine(got)
		if !bytes.Equal(got, []byte(line)) {
			t.Fatalf("round trip of %q gave %q", line, got)
		}
	}
}

func TestChecksumsAgree(t *testing.T) {
	client, server := pairedCodecs(t)

	line := "322 mygame the quick brown fox"
	wire, _, sum := client.EncodeAppend(nil, line, 0, 0)
	encSum := uint16(sum & 0xffff)

	decSum := server.DecodeLine(wire)
	if decSum != encSum {
		t.Fatalf("decoder checksum %#x, encoder checksum %#x", decSum, encSum)
	}
}

func TestWhitespaceAndControlsUntouched(t *testing.T) {
	c := &Codec{}
	c.SeedOut("1.2.3.4.5")
	line := "abc def\tghi"
	wire, _, _ := c.EncodeAppend(nil, line, 0, 0)
	for i := 0; i < len(line); i++ {
		if line[i] <= ' ' && wire[i] != line[i] {
			t.Fatalf("byte %d (%#x) was transformed to %#x", i, line[i], wire[i])
		}
	}
}

func TestInactiveStreamsPassThrough(t *testing.T) {
	c := &Codec{}
	line := []byte("204 somebody 5123")
	sum := c.DecodeLine(line)
	if string(line) != "204 somebody 5123" {
		t.Fatalf("inactive decode modified line: %q", line)
	}
	// checksum is still computed for plaintext clients
	want := 0
	for i, ch := range []byte("204 somebody 5123") {
		want += int(ch) ^ i
	}
	if sum != uint16(want&0xffff) {
		t.Fatalf("plaintext checksum = %#x, want %#x", sum, want&0xffff)
	}
}

func TestDecodeStopsAtTerminator(t *testing.T) {
	c := &Codec{}
	withCR := []byte("300 ping\rrest")
	plain := c.DecodeLine(withCR)
	bare := c.DecodeLine([]byte("300 ping"))
	if plain != bare {
		t.Fatalf("checksum with CR %#x, without %#x", plain, bare)
	}
}

func TestEmptyKeyDisables(t *testing.T) {
	c := &Codec{}
	c.SeedIn("")
	c.SeedOut("")
	if c.In.Active || c.Out.Active {
		t.Fatal("empty key must leave streams inactive")
	}
	if c.In.Seq != 1 || c.Out.Seq != 1 {
		t.Fatalf("sequence counters must reset to 1, got %d/%d", c.In.Seq, c.Out.Seq)
	}
}
