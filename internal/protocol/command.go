// Package protocol defines the dbin control-plane wire format.
//
// Every control message is one UDP datagram of plain text: a verb followed by
// whitespace-separated arguments. Commands are bounded by MaxCommandSize and
// listing replies by MaxReplySize. Oversized datagrams are rejected, never
// truncated.
package protocol

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	MaxCommandSize = 512
	MaxReplySize   = 4096
)

// Verbs understood on the control plane.
const (
	VerbRequestUpload  = "REQUEST_UPLOAD"
	VerbReadyToSend    = "READY_TO_SEND"
	VerbReadyToReceive = "READY_TO_RECEIVE"
	VerbRejected       = "REJECTED"

	VerbListAll   = "list-all"
	VerbListOwn   = "list-own"
	VerbClear     = "clear"
	VerbFetchBack = "fetch-back"
	VerbTerminate = "terminate"
)

// legacyVerbs maps the verbs spoken by older nodes onto the current ones.
// "Connection" is the first token of the old "Connection Terminated." marker.
var legacyVerbs = map[string]string{
	"fsee":       VerbListAll,
	"seemyfiles": VerbListOwn,
	"cleardb":    VerbClear,
	"fback":      VerbFetchBack,
	"Connection": VerbTerminate,
}

var (
	ErrOversize  = errors.New("protocol: datagram exceeds size limit")
	ErrEmpty     = errors.New("protocol: empty command")
	ErrMalformed = errors.New("protocol: malformed command")
	ErrFilename  = errors.New("protocol: invalid filename")
)

// Command is a parsed control message.
type Command struct {
	Verb string
	Args []string
}

// Parse tokenizes one command datagram.
func Parse(b []byte) (Command, error) {
	if len(b) > MaxCommandSize {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrOversize, len(b))
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return Command{}, ErrEmpty
	}
	return Command{Verb: CanonicalVerb(fields[0]), Args: fields[1:]}, nil
}

// CanonicalVerb maps a legacy verb onto its current name. Other verbs are
// returned unchanged.
func CanonicalVerb(verb string) string {
	if v, ok := legacyVerbs[verb]; ok {
		return v
	}
	return verb
}

// NewCommand builds a command from a verb and arguments.
func NewCommand(verb string, args ...string) Command {
	return Command{Verb: verb, Args: args}
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Verb
	}
	return c.Verb + " " + strings.Join(c.Args, " ")
}

// Encode renders the command for the wire.
func (c Command) Encode() ([]byte, error) {
	if c.Verb == "" {
		return nil, ErrEmpty
	}
	b := []byte(c.String())
	if len(b) > MaxCommandSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversize, len(b))
	}
	return b, nil
}

// ValidFilename reports whether name is a bare file name that can travel in a
// single token and cannot escape a storage directory.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, " \t\r\n/\\") {
		return false
	}
	return filepath.Base(name) == name
}

// Upload announces a push: REQUEST_UPLOAD <filename> <size> <sender>.
type Upload struct {
	Filename string
	Size     int64
	Sender   string
}

func (u Upload) Command() Command {
	return NewCommand(VerbRequestUpload, u.Filename, strconv.FormatInt(u.Size, 10), u.Sender)
}

// ParseUpload extracts an Upload from a REQUEST_UPLOAD command.
func ParseUpload(c Command) (Upload, error) {
	if c.Verb != VerbRequestUpload || len(c.Args) != 3 {
		return Upload{}, fmt.Errorf("%w: %q", ErrMalformed, c.String())
	}
	if !ValidFilename(c.Args[0]) {
		return Upload{}, fmt.Errorf("%w: %q", ErrFilename, c.Args[0])
	}
	size, err := strconv.ParseInt(c.Args[1], 10, 64)
	if err != nil || size < 0 {
		return Upload{}, fmt.Errorf("%w: bad size %q", ErrMalformed, c.Args[1])
	}
	return Upload{Filename: c.Args[0], Size: size, Sender: c.Args[2]}, nil
}

// Ready tells the other side that a transfer listener is bound:
// READY_TO_SEND or READY_TO_RECEIVE <filename> <port>.
type Ready struct {
	Verb     string
	Filename string
	Port     int
}

func (r Ready) Command() Command {
	return NewCommand(r.Verb, r.Filename, strconv.Itoa(r.Port))
}

// ParseReady extracts a Ready from either readiness verb.
func ParseReady(c Command) (Ready, error) {
	if (c.Verb != VerbReadyToSend && c.Verb != VerbReadyToReceive) || len(c.Args) != 2 {
		return Ready{}, fmt.Errorf("%w: %q", ErrMalformed, c.String())
	}
	if !ValidFilename(c.Args[0]) {
		return Ready{}, fmt.Errorf("%w: %q", ErrFilename, c.Args[0])
	}
	port, err := strconv.Atoi(c.Args[1])
	if err != nil || port <= 0 || port > 65535 {
		return Ready{}, fmt.Errorf("%w: bad port %q", ErrMalformed, c.Args[1])
	}
	return Ready{Verb: c.Verb, Filename: c.Args[0], Port: port}, nil
}

// Rejected refuses a transfer: REJECTED <filename> <reason...>.
type Rejected struct {
	Filename string
	Reason   string
}

func (r Rejected) Command() Command {
	args := []string{r.Filename}
	args = append(args, strings.Fields(r.Reason)...)
	return NewCommand(VerbRejected, args...)
}

func ParseRejected(c Command) (Rejected, error) {
	if c.Verb != VerbRejected || len(c.Args) == 0 {
		return Rejected{}, fmt.Errorf("%w: %q", ErrMalformed, c.String())
	}
	return Rejected{Filename: c.Args[0], Reason: strings.Join(c.Args[1:], " ")}, nil
}
