package wire

import "testing"

func TestParseCommandRoundTrip(t *testing.T) {
	cases := []struct {
		line string
		verb string
		args string
	}{
		{"EHLO mail.example.org\r\n", "EHLO", "mail.example.org"},
		{"MAIL FROM:<a@b>\r\n", "MAIL", "FROM:<a@b>"},
		{"RCPT TO:<c@d>\r\n", "RCPT", "TO:<c@d>"},
		{"DATA\r\n", "DATA", ""},
		{"QUIT\r\n", "QUIT", ""},
	}
	for _, c := range cases {
		cmd, n, err := ParseCommand([]byte(c.line))
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", c.line, err)
		}
		if n != len(c.line) {
			t.Errorf("ParseCommand(%q): consumed = %d, want %d", c.line, n, len(c.line))
		}
		if cmd.Verb != c.verb || cmd.Params != c.args {
			t.Errorf("ParseCommand(%q) = %+v, want verb=%q params=%q",
				c.line, cmd, c.verb, c.args)
		}
	}
}

func TestParseCommandIncomplete(t *testing.T) {
	_, _, err := ParseCommand([]byte("MAIL FROM:<a@b>"))
	if err != ErrIncomplete {
		t.Fatalf("got %v, want ErrIncomplete", err)
	}
}

func TestParseCommandUnknown(t *testing.T) {
	_, _, err := ParseCommand([]byte("BOGUS foo\r\n"))
	if err != ErrUnknownCommand {
		t.Fatalf("got %v, want ErrUnknownCommand", err)
	}
}

func TestParseCommandTooLong(t *testing.T) {
	long := make([]byte, MaxLineLength+10)
	for i := range long {
		long[i] = 'x'
	}
	long = append(long, '\r', '\n')
	_, _, err := ParseCommand(long)
	if err != ErrCommandTooLong {
		t.Fatalf("got %v, want ErrCommandTooLong", err)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	r := Reply{Code: 250, Enhanced: "2.0.0", Lines: []string{"Ok"}}
	buf := r.Serialize()

	got, n, err := ParseReply(buf)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if n != len(buf) {
		t.Errorf("consumed = %d, want %d", n, len(buf))
	}
	if got.Code != r.Code || got.Enhanced != r.Enhanced || len(got.Lines) != 1 || got.Lines[0] != "Ok" {
		t.Errorf("ParseReply(Serialize(r)) = %+v, want %+v", got, r)
	}
}

func TestReplyMultiLine(t *testing.T) {
	r := Reply{Code: 250, Lines: []string{"mail.example.org", "PIPELINING", "8BITMIME"}}
	buf := r.Serialize()

	got, _, err := ParseReply(buf)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if len(got.Lines) != 3 || got.Lines[2] != "8BITMIME" {
		t.Errorf("ParseReply multi-line = %+v", got)
	}
}

func TestDataDecoderHappyPath(t *testing.T) {
	d := NewDataDecoder(1 << 20)
	input := "Subject: t\r\n\r\nhi\r\n.\r\n"
	consumed, done, err := d.Feed([]byte(input))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !done {
		t.Fatalf("Feed did not report done")
	}
	if consumed != len(input) {
		t.Errorf("consumed = %d, want %d", consumed, len(input))
	}
	want := "Subject: t\r\n\r\nhi\r\n"
	if string(d.Bytes()) != want {
		t.Errorf("Bytes() = %q, want %q", d.Bytes(), want)
	}
}

func TestDataDecoderDotUnstuffing(t *testing.T) {
	d := NewDataDecoder(1 << 20)
	input := "..leading dot\r\n.\r\n"
	_, done, err := d.Feed([]byte(input))
	if err != nil || !done {
		t.Fatalf("Feed: done=%v err=%v", done, err)
	}
	want := ".leading dot\r\n"
	if string(d.Bytes()) != want {
		t.Errorf("Bytes() = %q, want %q", d.Bytes(), want)
	}
}

func TestDataDecoderEmptyMessage(t *testing.T) {
	d := NewDataDecoder(1 << 20)
	_, done, err := d.Feed([]byte(".\r\n"))
	if err != nil || !done {
		t.Fatalf("Feed: done=%v err=%v", done, err)
	}
	if len(d.Bytes()) != 0 {
		t.Errorf("Bytes() = %q, want empty", d.Bytes())
	}
}

func TestDataDecoderTooLarge(t *testing.T) {
	d := NewDataDecoder(4)
	_, done, err := d.Feed([]byte("abcdefgh\r\n.\r\n"))
	if !done || err != ErrMessageTooLarge {
		t.Fatalf("done=%v err=%v, want ErrMessageTooLarge", done, err)
	}
}

func TestDataDecoderIncrementalFeed(t *testing.T) {
	d := NewDataDecoder(1 << 20)
	chunks := []string{"Subj", "ect: t\r\n", "\r\nhi\r\n", ".\r\n"}
	done := false
	for _, c := range chunks {
		_, dn, err := d.Feed([]byte(c))
		if err != nil {
			t.Fatalf("Feed(%q): %v", c, err)
		}
		if dn {
			done = true
		}
	}
	if !done {
		t.Fatalf("decoder never reported done across incremental feeds")
	}
	want := "Subject: t\r\n\r\nhi\r\n"
	if string(d.Bytes()) != want {
		t.Errorf("Bytes() = %q, want %q", d.Bytes(), want)
	}
}
