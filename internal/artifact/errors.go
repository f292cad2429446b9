package artifact

import (
	"errors"
	"fmt"
	"strings"
)

// FormatChain renders err and every error it wraps, one per line, indented
// by depth. Joined errors (Unwrap() []error) are expanded in order.
func FormatChain(err error) string {
	if err == nil {
		return "<nil>\n"
	}
	var b strings.Builder
	writeChain(&b, err, 0)
	return b.String()
}

func writeChain(b *strings.Builder, err error, depth int) {
	fmt.Fprintf(b, "%s%T: %s\n", strings.Repeat("  ", depth), err, err.Error())
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if inner != nil {
				writeChain(b, inner, depth+1)
			}
		}
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); inner != nil {
			writeChain(b, inner, depth+1)
		}
	}
}

var errStateUnavailable = errors.New("state hook unavailable")
