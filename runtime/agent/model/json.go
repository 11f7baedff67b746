package model

import "strings"

// ExtractJSONObject returns the first top-level JSON object in content,
// skipping markdown code fences and surrounding prose. It returns "" when no
// balanced object is present. Providers in JSON mode still occasionally wrap
// output in fences or lead with a sentence; callers decode the returned
// slice instead of the raw content.
func ExtractJSONObject(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
