// Package customtool parses a function-shaped Python source into a typed
// JSON Schema description (component G). The source must declare exactly one
// top-level function with annotated parameters and a docstring; parameter
// types map onto Draft-07 schema fragments.
package customtool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cuemby/codebroker/pkg/brokerrors"
	"github.com/cuemby/codebroker/pkg/types"
)

// Registry maps a named enumerated type (as it appears in an annotation) to
// its allowed string values. Tenants register domain enums here before
// parsing tools that use them.
type Registry struct {
	enums map[string][]string
}

// NewRegistry creates an empty enum registry.
func NewRegistry() *Registry {
	return &Registry{enums: make(map[string][]string)}
}

// RegisterEnum makes the named type usable in tool annotations.
func (r *Registry) RegisterEnum(name string, values []string) {
	r.enums[name] = values
}

// Parser extracts tool schemas from source text.
type Parser struct {
	registry *Registry
}

// NewParser creates a parser with an optional enum registry (nil is fine).
func NewParser(registry *Registry) *Parser {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Parser{registry: registry}
}

var defRe = regexp.MustCompile(`(?m)^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// param is one parsed function parameter.
type param struct {
	name       string
	annotation string
	hasDefault bool
}

// Parse locates the single public top-level function in source and builds
// its input schema and description.
func (p *Parser) Parse(source string) (*types.CustomTool, error) {
	matches := defRe.FindAllStringSubmatchIndex(source, -1)
	var public [][]int
	for _, m := range matches {
		name := source[m[2]:m[3]]
		if !strings.HasPrefix(name, "_") {
			public = append(public, m)
		}
	}
	if len(public) == 0 {
		return nil, brokerrors.Wrap(brokerrors.InvalidTool, "customtool.Parse", "no top-level function definition found", nil)
	}
	if len(public) > 1 {
		return nil, brokerrors.Wrap(brokerrors.InvalidTool, "customtool.Parse", "more than one top-level function definition", nil)
	}

	m := public[0]
	name := source[m[2]:m[3]]

	paramSrc, bodyStart, err := sliceSignature(source, m[1]-1)
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.InvalidTool, "customtool.Parse", "malformed signature", err)
	}
	params, err := parseParams(paramSrc)
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.InvalidTool, "customtool.Parse", "malformed parameter list", err)
	}

	doc := parseDocstring(source[bodyStart:])

	properties := make(map[string]interface{}, len(params))
	var required []string
	for _, prm := range params {
		frag, err := p.schemaFor(prm.annotation)
		if err != nil {
			return nil, brokerrors.Wrap(brokerrors.InvalidTool, "customtool.Parse",
				fmt.Sprintf("parameter %q", prm.name), err)
		}
		if desc, ok := doc.params[prm.name]; ok {
			frag["description"] = desc
		}
		properties[prm.name] = frag
		if !prm.hasDefault {
			required = append(required, prm.name)
		}
	}
	sort.Strings(required)

	schema := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	description := doc.summary
	if doc.returns != "" {
		description = strings.TrimSpace(description + "\n\nReturns: " + doc.returns)
	}

	return &types.CustomTool{
		Name:            name,
		InputSchemaJSON: string(schemaJSON),
		Description:     description,
		SourceCode:      source,
	}, nil
}

// sliceSignature returns the text between the signature's parentheses and
// the offset of the first line of the function body. openParen is the index
// of the '(' in source.
func sliceSignature(source string, openParen int) (string, int, error) {
	depth := 0
	closeParen := -1
	for i := openParen; i < len(source); i++ {
		switch source[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				closeParen = i
				i = len(source)
			}
		}
	}
	if closeParen < 0 {
		return "", 0, fmt.Errorf("unbalanced parentheses in signature")
	}

	colon := strings.IndexByte(source[closeParen:], ':')
	if colon < 0 {
		return "", 0, fmt.Errorf("signature missing trailing colon")
	}
	bodyStart := closeParen + colon + 1
	if nl := strings.IndexByte(source[bodyStart:], '\n'); nl >= 0 {
		bodyStart += nl + 1
	}
	return source[openParen+1 : closeParen], bodyStart, nil
}

// parseParams splits a parameter list at top-level commas and parses each
// "name: annotation [= default]" entry. Unannotated parameters are rejected:
// without a type there is no schema.
func parseParams(src string) ([]param, error) {
	var params []param
	for _, piece := range splitTopLevel(src, ',') {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if piece == "*" || strings.HasPrefix(piece, "*") {
			return nil, fmt.Errorf("variadic or keyword-only markers are not supported")
		}

		hasDefault := false
		if eq := indexTopLevel(piece, '='); eq >= 0 {
			hasDefault = true
			piece = strings.TrimSpace(piece[:eq])
		}

		colon := indexTopLevel(piece, ':')
		if colon < 0 {
			return nil, fmt.Errorf("parameter %q has no type annotation", piece)
		}
		name := strings.TrimSpace(piece[:colon])
		annotation := strings.TrimSpace(piece[colon+1:])
		if name == "" || annotation == "" {
			return nil, fmt.Errorf("empty parameter name or annotation in %q", piece)
		}
		params = append(params, param{name: name, annotation: annotation, hasDefault: hasDefault})
	}
	return params, nil
}

// schemaFor maps one annotation to a JSON Schema fragment.
func (p *Parser) schemaFor(annotation string) (map[string]interface{}, error) {
	base := annotation
	if i := strings.IndexByte(annotation, '['); i >= 0 {
		base = annotation[:i]
	}
	base = strings.TrimSpace(base)

	switch base {
	case "str":
		return map[string]interface{}{"type": "string"}, nil
	case "int":
		return map[string]interface{}{"type": "integer"}, nil
	case "float":
		return map[string]interface{}{"type": "number"}, nil
	case "bool":
		return map[string]interface{}{"type": "boolean"}, nil
	case "list", "List", "Sequence", "tuple", "Tuple", "set", "Set":
		frag := map[string]interface{}{"type": "array"}
		if inner := innerAnnotation(annotation); inner != "" {
			first := strings.TrimSpace(splitTopLevel(inner, ',')[0])
			if first != "" && first != "..." {
				item, err := p.schemaFor(first)
				if err == nil {
					frag["items"] = item
				}
			}
		}
		return frag, nil
	case "dict", "Dict", "Mapping":
		return map[string]interface{}{"type": "object"}, nil
	case "Literal":
		inner := innerAnnotation(annotation)
		var values []interface{}
		for _, v := range splitTopLevel(inner, ',') {
			v = strings.TrimSpace(v)
			v = strings.Trim(v, `"'`)
			if v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("empty Literal annotation")
		}
		return map[string]interface{}{"type": "string", "enum": values}, nil
	default:
		if values, ok := p.registry.enums[base]; ok {
			enum := make([]interface{}, len(values))
			for i, v := range values {
				enum[i] = v
			}
			return map[string]interface{}{"type": "string", "enum": enum}, nil
		}
		return nil, fmt.Errorf("unsupported type annotation %q", annotation)
	}
}

func innerAnnotation(annotation string) string {
	open := strings.IndexByte(annotation, '[')
	close_ := strings.LastIndexByte(annotation, ']')
	if open < 0 || close_ <= open {
		return ""
	}
	return annotation[open+1 : close_]
}

// splitTopLevel splits s at sep occurrences not nested in brackets or
// quotes.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	out = append(out, s[last:])
	return out
}

func indexTopLevel(s string, sep byte) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// docInfo is the parsed docstring.
type docInfo struct {
	summary string
	params  map[string]string
	returns string
}

var (
	paramTagRe  = regexp.MustCompile(`^:param\s+([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(.*)$`)
	returnTagRe = regexp.MustCompile(`^:returns?\s*:\s*(.*)$`)
)

// parseDocstring reads the triple-quoted string at the start of the function
// body, if any, splitting it into a summary, :param: descriptions, and a
// :return: description.
func parseDocstring(body string) docInfo {
	info := docInfo{params: make(map[string]string)}

	trimmed := strings.TrimLeft(body, " \t\r\n")
	var delim string
	switch {
	case strings.HasPrefix(trimmed, `"""`):
		delim = `"""`
	case strings.HasPrefix(trimmed, "'''"):
		delim = "'''"
	default:
		return info
	}
	rest := trimmed[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return info
	}
	doc := rest[:end]

	var summaryLines []string
	currentParam := ""
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case paramTagRe.MatchString(line):
			m := paramTagRe.FindStringSubmatch(line)
			currentParam = m[1]
			info.params[currentParam] = m[2]
		case returnTagRe.MatchString(line):
			m := returnTagRe.FindStringSubmatch(line)
			currentParam = ""
			info.returns = m[1]
		case strings.HasPrefix(line, ":"):
			currentParam = ""
		case currentParam != "" && line != "":
			info.params[currentParam] = strings.TrimSpace(info.params[currentParam] + " " + line)
		case currentParam == "" && info.returns == "" && len(info.params) == 0:
			summaryLines = append(summaryLines, line)
		}
	}
	info.summary = strings.TrimSpace(strings.Join(summaryLines, "\n"))
	return info
}
