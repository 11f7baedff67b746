package tools

import (
	"fmt"
	"strings"
)

// Separator joins a tool id and a method name into an Ident.
const Separator = "__"

// Ident is the strong type for fully qualified tool method identifiers.
// Idents are canonical strings of the form "tool_id__method_name"
// (e.g. "ShellTool__run"). Use this type in maps and APIs to avoid mixing
// with free-form strings and to document intent at call sites.
type Ident string

// NewIdent joins a tool id and method name into an Ident.
func NewIdent(tool, method string) Ident {
	return Ident(tool + Separator + method)
}

// ParseIdent validates s and returns it as an Ident. The tool and method
// components must both be non-empty.
func ParseIdent(s string) (Ident, error) {
	tool, method, found := strings.Cut(s, Separator)
	if !found || tool == "" || method == "" {
		return "", fmt.Errorf("invalid tool identifier %q: want tool_id%smethod_name", s, Separator)
	}
	return Ident(s), nil
}

// String returns the string representation of the identifier.
func (id Ident) String() string {
	return string(id)
}

// Tool returns the tool id component of the identifier.
func (id Ident) Tool() string {
	tool, _, _ := strings.Cut(string(id), Separator)
	return tool
}

// Method returns the method name component of the identifier.
func (id Ident) Method() string {
	_, method, found := strings.Cut(string(id), Separator)
	if !found {
		return ""
	}
	return method
}
