package recoverable

import (
	"errors"
	"strconv"
	"strings"
)

// Messages flattens err's cause chain, outermost first. Each entry is the
// message contributed by one level, without the text of its causes. Levels
// that only add a stack trace (pkg/errors) or repeat their cause are skipped.
func Messages(err error) []string {
	var msgs []string
	for err != nil {
		next := errors.Unwrap(err)
		own := err.Error()
		if next != nil {
			inner := next.Error()
			switch {
			case own == inner:
				own = ""
			case strings.HasSuffix(own, ": "+inner):
				own = strings.TrimSuffix(own, ": "+inner)
			}
		}
		if own != "" {
			msgs = append(msgs, own)
		}
		err = next
	}
	return msgs
}

// NumberedMessages renders messages as "1. a 2. b ...".
func NumberedMessages(msgs []string) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(m)
	}
	return b.String()
}
