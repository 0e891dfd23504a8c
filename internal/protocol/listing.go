package protocol

import (
	"fmt"
	"strings"
)

// NoFiles is the whole body of an empty listing reply, with no trailing
// newline.
const NoFiles = "No files found."

// ListingEntry is one line of a listing reply.
type ListingEntry struct {
	Name  string
	Owner string
}

// FormatListing renders a listing reply. Lines that would push the reply past
// MaxReplySize are left out whole.
func FormatListing(entries []ListingEntry) []byte {
	if len(entries) == 0 {
		return []byte(NoFiles)
	}
	var b strings.Builder
	for _, e := range entries {
		line := fmt.Sprintf("File: %-40s | Owner: %s\n", e.Name, e.Owner)
		if b.Len()+len(line) > MaxReplySize {
			break
		}
		b.WriteString(line)
	}
	return []byte(b.String())
}

// ParseListing reads a listing reply back into entries. The NoFiles sentinel
// yields an empty, non-nil slice. ok is false when body is not a listing.
func ParseListing(body []byte) (entries []ListingEntry, ok bool) {
	text := strings.TrimSpace(string(body))
	if text == NoFiles {
		return []ListingEntry{}, true
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rest, found := strings.CutPrefix(line, "File: ")
		if !found {
			return nil, false
		}
		name, owner, found := strings.Cut(rest, "| Owner: ")
		if !found {
			return nil, false
		}
		entries = append(entries, ListingEntry{
			Name:  strings.TrimSpace(name),
			Owner: strings.TrimSpace(owner),
		})
	}
	if entries == nil {
		return nil, false
	}
	return entries, true
}
