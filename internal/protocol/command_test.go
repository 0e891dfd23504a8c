package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestParseTokenizes(t *testing.T) {
	cmd, err := Parse([]byte("  REQUEST_UPLOAD report.txt   10000 10.0.0.2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Verb != VerbRequestUpload {
		t.Fatalf("verb: %q", cmd.Verb)
	}
	want := []string{"report.txt", "10000", "10.0.0.2"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("args: got %v want %v", cmd.Args, want)
	}
}

func TestParseRejectsOversize(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxCommandSize+1)
	if _, err := Parse(big); !errors.Is(err, ErrOversize) {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
	exact := append([]byte("list-all "), bytes.Repeat([]byte("a"), MaxCommandSize-9)...)
	if _, err := Parse(exact); err != nil {
		t.Fatalf("a datagram of exactly MaxCommandSize must parse: %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := Parse([]byte(in)); !errors.Is(err, ErrEmpty) {
			t.Fatalf("%q: expected ErrEmpty, got %v", in, err)
		}
	}
}

func TestParseLegacyVerbs(t *testing.T) {
	cases := map[string]string{
		"fsee":                   VerbListAll,
		"seemyfiles":             VerbListOwn,
		"cleardb":                VerbClear,
		"fback notes.txt":        VerbFetchBack,
		"Connection Terminated.": VerbTerminate,
		"list-all":               VerbListAll,
	}
	for in, want := range cases {
		cmd, err := Parse([]byte(in))
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if cmd.Verb != want {
			t.Fatalf("%q: got verb %q want %q", in, cmd.Verb, want)
		}
	}
}

func TestEncode(t *testing.T) {
	b, err := NewCommand(VerbFetchBack, "a.txt").Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "fetch-back a.txt" {
		t.Fatalf("got %q", b)
	}
	if _, err := NewCommand(VerbFetchBack, strings.Repeat("x", MaxCommandSize)).Encode(); !errors.Is(err, ErrOversize) {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
	if _, err := (Command{}).Encode(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestUploadFrame(t *testing.T) {
	u := Upload{Filename: "report.txt", Size: 10000, Sender: "10.0.0.2"}
	b, err := u.Command().Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "REQUEST_UPLOAD report.txt 10000 10.0.0.2" {
		t.Fatalf("wire form: %q", b)
	}
	cmd, _ := Parse(b)
	got, err := ParseUpload(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Fatalf("got %+v want %+v", got, u)
	}
}

func TestParseUploadRejects(t *testing.T) {
	cases := []string{
		"REQUEST_UPLOAD report.txt 10000",
		"REQUEST_UPLOAD report.txt ten 10.0.0.2",
		"REQUEST_UPLOAD report.txt -5 10.0.0.2",
		"REQUEST_UPLOAD ../etc/passwd 1 10.0.0.2",
		"REQUEST_UPLOAD .. 1 10.0.0.2",
		"list-all a b c",
	}
	for _, in := range cases {
		cmd, err := Parse([]byte(in))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ParseUpload(cmd); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestReadyFrame(t *testing.T) {
	for _, verb := range []string{VerbReadyToSend, VerbReadyToReceive} {
		r := Ready{Verb: verb, Filename: "a.bin", Port: 41234}
		b, err := r.Command().Encode()
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("%s a.bin 41234", verb); string(b) != want {
			t.Fatalf("got %q want %q", b, want)
		}
		cmd, _ := Parse(b)
		got, err := ParseReady(cmd)
		if err != nil {
			t.Fatal(err)
		}
		if got != r {
			t.Fatalf("got %+v want %+v", got, r)
		}
	}

	for _, in := range []string{"READY_TO_SEND a.bin", "READY_TO_SEND a.bin 0", "READY_TO_SEND a.bin 70000", "READY_TO_SEND a.bin x"} {
		cmd, _ := Parse([]byte(in))
		if _, err := ParseReady(cmd); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestRejectedFrame(t *testing.T) {
	r := Rejected{Filename: "a.bin", Reason: "transfer port busy"}
	b, _ := r.Command().Encode()
	cmd, _ := Parse(b)
	got, err := ParseRejected(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got != r {
		t.Fatalf("got %+v want %+v", got, r)
	}
}

func TestValidFilename(t *testing.T) {
	good := []string{"report.txt", "a", ".hidden", "x_y-z.tar.gz"}
	bad := []string{"", ".", "..", "a/b", `a\b`, "has space", "tab\tname", "/abs"}
	for _, n := range good {
		if !ValidFilename(n) {
			t.Fatalf("%q should be valid", n)
		}
	}
	for _, n := range bad {
		if ValidFilename(n) {
			t.Fatalf("%q should be invalid", n)
		}
	}
}

func TestCanonicalVerb(t *testing.T) {
	cases := map[string]string{
		"fsee":       VerbListAll,
		"seemyfiles": VerbListOwn,
		"cleardb":    VerbClear,
		"fback":      VerbFetchBack,
		"Connection": VerbTerminate,
		"list-own":   VerbListOwn,
		"push":       "push",
	}
	for in, want := range cases {
		if got := CanonicalVerb(in); got != want {
			t.Errorf("CanonicalVerb(%q) = %q, want %q", in, got, want)
		}
	}
}
