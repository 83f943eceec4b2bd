package customtool

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/cuemby/codebroker/pkg/brokerrors"
)

// ValidateInput checks inputJSON against a schema produced by Parse. It
// covers what the extractor can emit: object shape, required keys, primitive
// types, arrays, objects, and enums.
func ValidateInput(schemaJSON, inputJSON string) error {
	var schema struct {
		Properties           map[string]json.RawMessage `json:"properties"`
		Required             []string                   `json:"required"`
		AdditionalProperties *bool                      `json:"additionalProperties"`
	}
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return brokerrors.Wrap(brokerrors.InvalidTool, "customtool.ValidateInput", "decode schema", err)
	}

	var input map[string]interface{}
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return brokerrors.Wrap(brokerrors.InvalidArgument, "customtool.ValidateInput", "tool input is not a JSON object", err)
	}

	for _, req := range schema.Required {
		if _, ok := input[req]; !ok {
			return brokerrors.Wrap(brokerrors.InvalidArgument, "customtool.ValidateInput",
				fmt.Sprintf("missing required argument %q", req), nil)
		}
	}

	for key, value := range input {
		fragRaw, ok := schema.Properties[key]
		if !ok {
			if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
				return brokerrors.Wrap(brokerrors.InvalidArgument, "customtool.ValidateInput",
					fmt.Sprintf("unexpected argument %q", key), nil)
			}
			continue
		}
		var frag struct {
			Type string        `json:"type"`
			Enum []interface{} `json:"enum"`
		}
		if err := json.Unmarshal(fragRaw, &frag); err != nil {
			return brokerrors.Wrap(brokerrors.InvalidTool, "customtool.ValidateInput", "decode schema fragment", err)
		}
		if err := checkType(key, frag.Type, value); err != nil {
			return err
		}
		if len(frag.Enum) > 0 && !enumContains(frag.Enum, value) {
			return brokerrors.Wrap(brokerrors.InvalidArgument, "customtool.ValidateInput",
				fmt.Sprintf("argument %q is not one of the allowed values", key), nil)
		}
	}
	return nil
}

func checkType(key, typ string, value interface{}) error {
	ok := true
	switch typ {
	case "string":
		_, ok = value.(string)
	case "integer":
		f, isNum := value.(float64)
		ok = isNum && f == math.Trunc(f)
	case "number":
		_, ok = value.(float64)
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]interface{})
	case "object":
		_, ok = value.(map[string]interface{})
	case "":
		// untyped fragment, nothing to check
	default:
		ok = true
	}
	if !ok {
		return brokerrors.Wrap(brokerrors.InvalidArgument, "customtool.ValidateInput",
			fmt.Sprintf("argument %q is not a valid %s", key, typ), nil)
	}
	return nil
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
	}
	return false
}
