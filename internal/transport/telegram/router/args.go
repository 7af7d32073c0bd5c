package router

import (
	"strconv"
	"strings"
	"unicode"
)

// splitArgs splits a command line on whitespace. Single or double quotes
// group words and a backslash escapes the next rune:
//
//	/special 42 "Ann Lee"
func splitArgs(line string) []string {
	var (
		out    []string
		cur    strings.Builder
		quote  rune
		escape bool
		open   bool // cur holds a token, possibly empty ("")
	)
	for _, r := range line {
		switch {
		case escape:
			cur.WriteRune(r)
			escape = false
		case r == '\\':
			escape, open = true, true
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0:
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote, open = r, true
		case unicode.IsSpace(r):
			if open || cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
				open = false
			}
		default:
			cur.WriteRune(r)
		}
	}
	if open || cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// parseFlags separates positionals from --k=v, --k v, -k v and bare --flag
// switches. Negative numbers stay positional.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags, bools = map[string]string{}, map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || len(a) < 2 || isNumber(a) {
			pos = append(pos, a)
			continue
		}
		key := strings.TrimLeft(a, "-")
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			flags[key] = args[i]
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

func isNumber(s string) bool {
	_, err := strconv.ParseUint(strings.TrimPrefix(s, "-"), 10, 64)
	return err == nil
}
