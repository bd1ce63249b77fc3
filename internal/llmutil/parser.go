// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Backticks are written as \x60 because Go raw strings cannot contain them.
	fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")
	trailingComma    = regexp.MustCompile(`,\s*([}\]])`)
	lineComment      = regexp.MustCompile(`(?m)^\s*//.*$`)
	unquotedKey      = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// ParseJSONResponse parses an oracle response into T. It tolerates markdown
// fences, conversational wrapping, trailing commas, line comments, single
// quoted strings, unquoted keys and truncated output. When no candidate
// decodes it returns an error wrapping schemas.ErrMalformedResponse.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, fmt.Errorf("%w: empty response", schemas.ErrMalformedResponse)
	}

	var lastErr error
	for _, candidate := range candidates(response) {
		for _, attempt := range []string{candidate, repair(candidate), closeTruncated(repair(candidate))} {
			var result T
			if err := json.Unmarshal([]byte(attempt), &result); err != nil {
				lastErr = err
				continue
			}
			return &result, nil
		}
	}
	return nil, fmt.Errorf("%w: %v. Extracted JSON (truncated): %s",
		schemas.ErrMalformedResponse, lastErr, truncateString(response, 500))
}

// candidates lists substrings that may hold the JSON payload, most specific
// first.
func candidates(response string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, m := range fencedBlockRegex.FindAllStringSubmatch(response, -1) {
		add(m[1])
	}
	// An unterminated fence still carries the payload after the opening line.
	if strings.HasPrefix(response, "```") {
		if nl := strings.IndexByte(response, '\n'); nl != -1 {
			add(strings.TrimSuffix(response[nl+1:], "```"))
		}
	}
	if obj := balanced(response, '{', '}'); obj != "" {
		add(obj)
	}
	if arr := balanced(response, '[', ']'); arr != "" {
		add(arr)
	}
	if i := strings.IndexAny(response, "{["); i != -1 {
		add(response[i:])
	}
	add(response)
	return out
}

// balanced returns the first bracket-balanced region starting at open, or ""
// if the region never closes. Brackets inside strings are ignored.
func balanced(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// repair applies cheap syntactic fixes for common model mistakes.
func repair(s string) string {
	s = lineComment.ReplaceAllString(s, "")
	if !strings.Contains(s, `"`) && strings.Contains(s, "'") {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	s = unquotedKey.ReplaceAllString(s, `$1"$2":`)
	s = trailingComma.ReplaceAllString(s, "$1")
	return s
}

// closeTruncated appends the closers needed to terminate output that was cut
// off mid-structure.
func closeTruncated(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case (c == '}' || c == ']') && len(stack) > 0:
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) == 0 && !inString {
		return s
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(s, " \t\r\n,"))
	if inString {
		sb.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(stack[i])
	}
	return trailingComma.ReplaceAllString(sb.String(), "$1")
}

// CleanTextOutput strips a markdown fence from a plain-text answer.
func CleanTextOutput(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if m := fencedBlockRegex.FindStringSubmatch(content); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return strings.Trim(content, "\"' \n")
}

// truncateString truncates s to maxLen bytes for error messages.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
