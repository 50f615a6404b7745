package corefile

import "strings"

// lex splits src into tokens. Each source line yields zero or more text
// tokens and brace tokens followed by a single newline token, matching
// the Caddyfile/Corefile convention of one statement per line with
// braces free to share a line with the statement they open or close.
func lex(src string) []token {
	var tokens []token

	lines := strings.Split(src, "\n")
	for i, raw := range lines {
		line := i + 1

		fields := splitFields(stripComment(raw))
		if len(fields) == 0 {
			continue
		}

		for _, f := range fields {
			switch f {
			case "{":
				tokens = append(tokens, token{kind: tokLBrace, text: f, line: line})
			case "}":
				tokens = append(tokens, token{kind: tokRBrace, text: f, line: line})
			default:
				tokens = append(tokens, token{kind: tokText, text: f, line: line})
			}
		}

		tokens = append(tokens, token{kind: tokNewline, line: line})
	}

	tokens = append(tokens, token{kind: tokEOF, line: len(lines) + 1})

	return tokens
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

// splitFields tokenizes a single line on whitespace, keeping
// double-quoted substrings (which may contain whitespace, used by
// directives that take a regular expression argument) intact and
// peeling a leading/trailing brace off a field glued to an argument
// (e.g. "forward . 1.1.1.1 {" or "}").
func splitFields(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case inQuote:
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\r':
			flush()
		case c == '{' || c == '}':
			flush()
			fields = append(fields, string(c))
		default:
			cur.WriteByte(c)
		}
	}
	flush()

	return fields
}
