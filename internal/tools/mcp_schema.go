package tools

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// supportedSchemaTypes is the subset of JSON Schema "type" values the model
// client's function-calling surface actually accepts (spec §4.5/§8.7).
var supportedSchemaTypes = map[string]struct{}{
	"object":  {},
	"string":  {},
	"number":  {},
	"integer": {},
	"boolean": {},
	"array":   {},
	"null":    {},
}

// NormalizeMCPSchema sanitizes an MCP tool's input schema into the subset
// the model client accepts: a single scalar "type" (first entry of a type
// array wins), unsupported keywords stripped, and nested "properties"/
// "items" recursively normalized. It is written as a fixed-point pass
// (spec's REDESIGN FLAGS: "write it as a fixed-point pass so the
// idempotence property is a mechanical consequence") — running it again on
// its own output changes nothing.
func NormalizeMCPSchema(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return []byte(`{"type":"object"}`), nil
	}
	current := raw
	for i := 0; i < 8; i++ {
		next, err := normalizeSchemaOnce(current)
		if err != nil {
			return nil, err
		}
		if string(next) == string(current) {
			return next, nil
		}
		current = next
	}
	return current, nil
}

func normalizeSchemaOnce(raw []byte) ([]byte, error) {
	doc := gjson.ParseBytes(raw)
	out := "{}"
	var err error

	out, err = sjson.Set(out, "type", normalizeType(doc.Get("type")))
	if err != nil {
		return nil, err
	}

	if props := doc.Get("properties"); props.Exists() && props.IsObject() {
		props.ForEach(func(key, value gjson.Result) bool {
			normalized, nerr := normalizeSchemaOnce([]byte(value.Raw))
			if nerr != nil {
				err = nerr
				return false
			}
			out, err = sjson.SetRaw(out, "properties."+jsonPathEscape(key.String()), string(normalized))
			return err == nil
		})
		if err != nil {
			return nil, err
		}
	}

	if req := doc.Get("required"); req.IsArray() {
		names := make([]string, 0)
		for _, v := range req.Array() {
			names = append(names, v.String())
		}
		out, err = sjson.Set(out, "required", names)
		if err != nil {
			return nil, err
		}
	}

	if items := doc.Get("items"); items.Exists() {
		normalized, nerr := normalizeSchemaOnce([]byte(items.Raw))
		if nerr != nil {
			return nil, nerr
		}
		out, err = sjson.SetRaw(out, "items", string(normalized))
		if err != nil {
			return nil, err
		}
	}

	if desc := doc.Get("description"); desc.Exists() {
		out, err = sjson.Set(out, "description", desc.String())
		if err != nil {
			return nil, err
		}
	}

	return []byte(out), nil
}

func normalizeType(t gjson.Result) string {
	switch {
	case t.IsArray():
		for _, v := range t.Array() {
			if _, ok := supportedSchemaTypes[v.String()]; ok {
				return v.String()
			}
		}
		return "string"
	case t.Exists():
		if _, ok := supportedSchemaTypes[t.String()]; ok {
			return t.String()
		}
		return "string"
	default:
		return "object"
	}
}

func jsonPathEscape(key string) string {
	// sjson treats "." inside a path component as a nesting separator;
	// property names containing one must be escaped the same way sjson's
	// own Set docs specify.
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if r == '.' || r == '*' || r == '?' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// ValidateNormalizedSchema checks that a normalized schema is well-formed
// JSON Schema, backing the idempotence/soundness property (spec §8.7) with
// an actual schema-compiler pass rather than ad-hoc field checks.
func ValidateNormalizedSchema(normalized []byte) error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return fmt.Errorf("mcp schema: %w", err)
	}
	const resourceName = "mcp-tool-schema.json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("mcp schema: %w", err)
	}
	_, err = compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("mcp schema: %w", err)
	}
	return nil
}
