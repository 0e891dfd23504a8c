package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/dbin-net/dbin/internal/membership"
	"github.com/dbin-net/dbin/internal/node"
)

func newConsole(t *testing.T, input string) (*console, *bytes.Buffer) {
	t.Helper()
	n, err := node.New(node.Config{
		Role:     membership.RolePeer,
		Identity: "127.0.0.1",
		DataDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	out := &bytes.Buffer{}
	return &console{node: n, in: strings.NewReader(input), out: out}, out
}

func TestConsoleReportsErrors(t *testing.T) {
	c, out := newConsole(t, "bogus\n\nfnu 10.0.0.9\nclear\nhelp\n")
	c.run(context.Background())

	text := out.String()
	for _, want := range []string{
		"unknown verb",
		"membership table not installed",
		"not permitted",
		"alias fback",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("console output missing %q:\n%s", want, text)
		}
	}
}

func TestConsoleExit(t *testing.T) {
	c, out := newConsole(t, "quit\nbogus\n")
	c.run(context.Background())
	if strings.Contains(out.String(), "unknown verb") {
		t.Fatal("console kept reading after exit")
	}
}
