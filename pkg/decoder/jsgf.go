package decoder

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Grammar is the subset of a JSGF grammar a decoder backend can use: its name
// and the literal phrases its rules can produce.
type Grammar struct {
	Name    string
	Phrases []string
}

var (
	jsgfName   = regexp.MustCompile(`^grammar\s+([A-Za-z0-9_.\-]+)\s*;`)
	jsgfRule   = regexp.MustCompile(`^(?:public\s+)?<[^>]+>\s*=\s*(.+);\s*$`)
	jsgfTokens = regexp.MustCompile(`<[^>]*>|\{[^}]*\}|/[0-9.]+/|[()\[\]*+]`)
	spaces     = regexp.MustCompile(`\s+`)
)

// ParseJSGF extracts the grammar name and the literal alternatives of every
// rule. Rule references, tags and weights are dropped. The input must start
// with a "#JSGF" header.
func ParseJSGF(data []byte) (Grammar, error) {
	text := stripComments(string(data))
	sc := bufio.NewScanner(strings.NewReader(text))

	var (
		g        Grammar
		header   bool
		pending  strings.Builder
		seen     = make(map[string]bool)
		firstRow = true
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if firstRow {
			firstRow = false
			if !strings.HasPrefix(line, "#JSGF") {
				return Grammar{}, fmt.Errorf("%w: missing #JSGF header", ErrInvalidGrammar)
			}
			header = true
			continue
		}
		if m := jsgfName.FindStringSubmatch(line); m != nil {
			g.Name = m[1]
			continue
		}

		// Rules may span several lines; accumulate until the closing ';'.
		pending.WriteString(line)
		pending.WriteByte(' ')
		if !strings.HasSuffix(line, ";") {
			continue
		}
		rule := strings.TrimSpace(pending.String())
		pending.Reset()

		m := jsgfRule.FindStringSubmatch(rule)
		if m == nil {
			continue
		}
		for _, alt := range strings.Split(m[1], "|") {
			phrase := jsgfTokens.ReplaceAllString(alt, " ")
			phrase = strings.TrimSpace(spaces.ReplaceAllString(phrase, " "))
			if phrase == "" || seen[phrase] {
				continue
			}
			seen[phrase] = true
			g.Phrases = append(g.Phrases, phrase)
		}
	}
	if err := sc.Err(); err != nil {
		return Grammar{}, fmt.Errorf("%w: %w", ErrInvalidGrammar, err)
	}
	if !header {
		return Grammar{}, fmt.Errorf("%w: empty grammar", ErrInvalidGrammar)
	}
	if g.Name == "" {
		return Grammar{}, fmt.Errorf("%w: missing grammar declaration", ErrInvalidGrammar)
	}
	return g, nil
}

// LoadJSGF reads and parses the JSGF grammar file at path.
func LoadJSGF(path string) (Grammar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Grammar{}, fmt.Errorf("decoder: read grammar %q: %w", path, err)
	}
	g, err := ParseJSGF(data)
	if err != nil {
		return Grammar{}, fmt.Errorf("decoder: grammar %q: %w", path, err)
	}
	return g, nil
}

// stripComments removes // line comments and /* */ block comments while
// leaving the #JSGF header line intact.
func stripComments(s string) string {
	var out bytes.Buffer
	for i := 0; i < len(s); i++ {
		switch {
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return out.String()
			}
			i += end + 3
		case strings.HasPrefix(s[i:], "//"):
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return out.String()
			}
			i += end - 1
		default:
			out.WriteByte(s[i])
		}
	}
	return out.String()
}
