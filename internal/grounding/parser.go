package grounding

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/vantico/deskpilot/api/schemas"
)

// The vision parser replies with one Python-dict literal per element, e.g.
//
//	element 3: {'type': 'text', 'bbox': [0.1, 0.2, 0.3, 0.25], 'interactivity': False, 'content': 'Search'}
//
// ParseElements is the single conversion point from that loose format into
// the strict v1 element schema. Anything that does not convert cleanly is an
// error; the grounding path never guesses.

// parsedElement is the strict target of the conversion, versioned by
// schemas.ElementSchemaVersion.
type parsedElement struct {
	Type          string       `json:"type"`
	BBox          schemas.BBox `json:"bbox"`
	Interactivity bool         `json:"interactivity"`
	Content       string       `json:"content"`
}

// ParseElements converts the provider's raw response into parsed elements,
// preserving provider order. Lines without a dict literal are skipped; a dict
// that fails conversion fails the whole parse.
func ParseElements(raw string) ([]parsedElement, error) {
	var out []parsedElement
	for i, line := range strings.Split(raw, "\n") {
		start := strings.IndexByte(line, '{')
		if start < 0 {
			continue
		}
		jsonText, err := pyDictToJSON(line[start:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		var el parsedElement
		if err := json.Unmarshal([]byte(jsonText), &el); err != nil {
			return nil, fmt.Errorf("line %d: converted dict is not a valid element: %w", i+1, err)
		}
		out = append(out, el)
	}
	return out, nil
}

// pyDictToJSON rewrites one Python dict literal into JSON. It walks the input
// byte by byte, re-quoting single-quoted strings (escaping embedded quotes,
// newlines and tabs) and rewriting the True/False/None keywords outside of
// strings. It stops after the dict's closing brace, ignoring trailing text.
func pyDictToJSON(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	depth := 0
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case '{', '[':
			depth++
			b.WriteByte(c)
			i++
		case '}', ']':
			depth--
			b.WriteByte(c)
			i++
			if depth == 0 {
				return b.String(), nil
			}
			if depth < 0 {
				return "", fmt.Errorf("unbalanced brackets at offset %d", i-1)
			}
		case '\'', '"':
			consumed, err := convertString(s[i:], c, &b)
			if err != nil {
				return "", err
			}
			i += consumed
		default:
			if isIdentStart(c) {
				word := readWord(s[i:])
				switch word {
				case "True":
					b.WriteString("true")
				case "False":
					b.WriteString("false")
				case "None":
					b.WriteString("null")
				default:
					return "", fmt.Errorf("unexpected bare word %q at offset %d", word, i)
				}
				i += len(word)
				continue
			}
			b.WriteByte(c)
			i++
		}
	}
	return "", fmt.Errorf("unterminated dict literal")
}

// convertString consumes one quoted string starting at s[0] (which is the
// opening quote) and writes its JSON form. Returns how many input bytes were
// consumed.
func convertString(s string, quote byte, b *strings.Builder) (int, error) {
	b.WriteByte('"')
	i := 1
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 >= len(s) {
				return 0, fmt.Errorf("dangling escape in string")
			}
			next := s[i+1]
			switch next {
			case '\'':
				// \' is a Python escape with no JSON equivalent.
				b.WriteByte('\'')
			case 'n':
				b.WriteString(`\n`)
			case 't':
				b.WriteString(`\t`)
			case 'r':
				b.WriteString(`\r`)
			case '\\':
				b.WriteString(`\\`)
			case '"':
				b.WriteString(`\"`)
			default:
				// Preserve unknown escapes literally, JSON-escaping the backslash.
				b.WriteString(`\\`)
				b.WriteByte(next)
			}
			i += 2
		case c == quote:
			b.WriteByte('"')
			return i + 1, nil
		case c == '"':
			// A literal double quote inside a single-quoted Python string.
			b.WriteString(`\"`)
			i++
		case c == '\n':
			b.WriteString(`\n`)
			i++
		case c == '\t':
			b.WriteString(`\t`)
			i++
		case c == '\r':
			b.WriteString(`\r`)
			i++
		case c < 0x20:
			b.WriteString(fmt.Sprintf(`\u%04x`, c))
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return 0, fmt.Errorf("unterminated string literal")
}

func isIdentStart(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_'
}

func readWord(s string) string {
	i := 0
	for i < len(s) && (isIdentStart(s[i]) || s[i] >= '0' && s[i] <= '9') {
		i++
	}
	return s[:i]
}
