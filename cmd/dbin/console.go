package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dbin-net/dbin/internal/node"
	"github.com/dbin-net/dbin/internal/protocol"
)

// consoleAliases maps the command names of the older consoles onto Submit
// verbs. Wire-level aliases (fsee, fback, ...) are handled by Submit itself.
var consoleAliases = map[string]string{
	"fnu":  node.VerbPush,
	"fsu":  node.VerbPush,
	"fdel": node.VerbPush,
	"kall": protocol.VerbTerminate,
	"quit": node.VerbExit,
}

type console struct {
	node *node.Node
	in   io.Reader
	out  io.Writer
}

func (c *console) prompt() {
	fmt.Fprint(c.out, "> ")
}

func (c *console) run(ctx context.Context) {
	fmt.Fprintf(c.out, "\n  Commands: %s, help\n\n", strings.Join(node.Verbs(c.node.Role()), ", "))
	c.prompt()
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			c.prompt()
			continue
		}
		verb := fields[0]
		if v, ok := consoleAliases[verb]; ok {
			verb = v
		}
		switch verb {
		case "help":
			c.help()
		case "sessions":
			for _, s := range c.node.Sessions().Active() {
				fmt.Fprintf(c.out, "  %s %-7s %-24s %s\n", s.ID, s.Direction, s.Filename, s.Peer)
			}
		default:
			if err := c.node.Submit(ctx, verb, fields[1:]...); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			} else if verb == node.VerbExit {
				return
			}
		}
		c.prompt()
	}
}

func (c *console) help() {
	fmt.Fprintln(c.out, "  push <dest> <path>        send a file (aliases fnu, fsu, fdel)")
	fmt.Fprintln(c.out, "  list-all [repo]           list every stored file (hub; alias fsee)")
	fmt.Fprintln(c.out, "  list-own [repo]           list your stored files (peer; alias seemyfiles)")
	fmt.Fprintln(c.out, "  clear [repo]              drop the repository index (hub; alias cleardb)")
	fmt.Fprintln(c.out, "  fetch-back [repo] <file>  take a file back out of the repository (alias fback)")
	fmt.Fprintln(c.out, "  terminate                 shut the whole network down (hub; alias kall)")
	fmt.Fprintln(c.out, "  sessions                  show running transfers")
	fmt.Fprintln(c.out, "  exit                      leave")
}

func (c *console) printEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.node.Events():
			if e.Kind == node.EventReady {
				fmt.Fprintf(c.out, "\nMembership table installed: %s\n", strings.Join(c.node.Table().Addresses(), ", "))
				continue
			}
			fmt.Fprintf(c.out, "\n%s\n> ", e)
		}
	}
}
