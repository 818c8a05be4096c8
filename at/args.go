package at

import (
	"errors"
	"strconv"
)

// ErrBadArgs reports a malformed argument list in a modem response.
var ErrBadArgs = errors.New("at: malformed arguments")

// ParseArgs splits the argument portion of a response line into its
// comma separated fields. Quoted fields have their quotes stripped and
// may contain commas. Whitespace around unquoted fields is trimmed.
func ParseArgs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	i := 0
	for {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i < len(s) && s[i] == '"' {
			j := i + 1
			for j < len(s) && s[j] != '"' {
				j++
			}
			out = append(out, s[i+1:j])
			if j < len(s) {
				j++
			}
			i = j
			for i < len(s) && s[i] != ',' {
				i++
			}
		} else {
			j := i
			for j < len(s) && s[j] != ',' {
				j++
			}
			f := s[i:j]
			for len(f) > 0 && f[len(f)-1] == ' ' {
				f = f[:len(f)-1]
			}
			out = append(out, f)
			i = j
		}
		if i == len(s) {
			return out
		}
		i++
		if i == len(s) {
			return append(out, "")
		}
	}
}

// AppendArgs appends a comma separated rendering of vals to dst.
// Strings are double quoted, ints and int64s are decimal. Used to
// build the argument tail of outgoing AT commands.
func AppendArgs(dst []byte, vals ...any) []byte {
	for i, v := range vals {
		if i > 0 {
			dst = append(dst, ',')
		}
		switch x := v.(type) {
		case int:
			dst = strconv.AppendInt(dst, int64(x), 10)
		case int64:
			dst = strconv.AppendInt(dst, x, 10)
		case string:
			dst = append(dst, '"')
			dst = append(dst, x...)
			dst = append(dst, '"')
		case rawArg:
			dst = append(dst, string(x)...)
		default:
			panic("at: unsupported argument type")
		}
	}
	return dst
}

// Raw marks a string argument that must be emitted without quotes.
func Raw(s string) any { return rawArg(s) }

type rawArg string

// Scanner walks the parsed fields of a response line with a sticky
// error, in the order they appear.
type Scanner struct {
	fields []string
	pos    int
	err    error
}

// Scan wraps the argument portion of a response line.
func Scan(args string) *Scanner {
	return &Scanner{fields: ParseArgs(args)}
}

func (sc *Scanner) next() (string, bool) {
	if sc.err != nil || sc.pos >= len(sc.fields) {
		if sc.err == nil {
			sc.err = ErrBadArgs
		}
		return "", false
	}
	f := sc.fields[sc.pos]
	sc.pos++
	return f, true
}

// Int consumes the next field as a decimal integer.
func (sc *Scanner) Int() int {
	f, ok := sc.next()
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(f)
	if err != nil {
		sc.err = ErrBadArgs
		return 0
	}
	return n
}

// String consumes the next field.
func (sc *Scanner) String() string {
	f, _ := sc.next()
	return f
}

// Skip discards the next n fields.
func (sc *Scanner) Skip(n int) {
	for i := 0; i < n; i++ {
		sc.next()
	}
}

// Remaining reports how many fields are left.
func (sc *Scanner) Remaining() int {
	if sc.err != nil {
		return 0
	}
	return len(sc.fields) - sc.pos
}

// Err returns the first decoding error encountered, if any.
func (sc *Scanner) Err() error { return sc.err }
