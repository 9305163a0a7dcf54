package agentloop

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"
)

// validateToolArguments checks arguments against the subset of JSON Schema
// used by tool definitions: type, required, properties,
// additionalProperties, items, minLength, minItems and minimum.
func validateToolArguments(schema map[string]any, arguments map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	return validateObject("", schema, arguments)
}

func validateObject(path string, schema map[string]any, object map[string]any) error {
	required, err := parseRequiredFields(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := object[field]; !ok {
			return fmt.Errorf("missing required argument %q", joinArgumentPath(path, field))
		}
	}

	properties, hasProperties := asStringAnyMap(schema["properties"])
	additionalAllowed, err := parseAdditionalProperties(schema["additionalProperties"])
	if err != nil {
		return err
	}

	for _, key := range sortedArgumentKeys(object) {
		propertySchema, hasProperty := properties[key]
		if !hasProperty {
			if hasProperties && !additionalAllowed {
				return fmt.Errorf("unknown argument %q", joinArgumentPath(path, key))
			}
			continue
		}
		propertyMap, ok := asStringAnyMap(propertySchema)
		if !ok {
			return errors.New(`input schema "properties" entries must be objects`)
		}
		if err := validateValue(joinArgumentPath(path, key), propertyMap, object[key]); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, schema map[string]any, value any) error {
	expectedType, hasType, err := parsePropertyType(schema)
	if err != nil {
		return err
	}
	if hasType && !matchesToolArgumentType(expectedType, value) {
		return fmt.Errorf("argument %q must be %s", path, withArticle(expectedType))
	}

	switch v := value.(type) {
	case string:
		if n, ok := schemaInt(schema, "minLength"); ok && utf8.RuneCountInString(v) < n {
			return fmt.Errorf("argument %q must be at least %d characters", path, n)
		}
	case float64:
		if floor, ok := schemaNumber(schema, "minimum"); ok && v < floor {
			return fmt.Errorf("argument %q must be at least %v", path, floor)
		}
	case []any:
		if n, ok := schemaInt(schema, "minItems"); ok && len(v) < n {
			return fmt.Errorf("argument %q must have at least %d items", path, n)
		}
		if itemSchema, ok := asStringAnyMap(schema["items"]); ok {
			for i, item := range v {
				if err := validateValue(fmt.Sprintf("%s[%d]", path, i), itemSchema, item); err != nil {
					return err
				}
			}
		}
	case map[string]any:
		if _, ok := schema["properties"]; ok {
			return validateObject(path, schema, v)
		}
		if _, ok := schema["required"]; ok {
			return validateObject(path, schema, v)
		}
	}
	return nil
}

func joinArgumentPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func withArticle(typeName string) string {
	switch typeName {
	case "array", "integer", "object":
		return "an " + typeName
	default:
		return "a " + typeName
	}
}

func schemaInt(schema map[string]any, key string) (int, bool) {
	switch n := schema[key].(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func schemaNumber(schema map[string]any, key string) (float64, bool) {
	switch n := schema[key].(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func parseRequiredFields(raw any) ([]string, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		out := make([]string, len(value))
		copy(out, value)
		return out, nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			field, ok := item.(string)
			if !ok {
				return nil, errors.New(`input schema "required" entries must be strings`)
			}
			out = append(out, field)
		}
		return out, nil
	default:
		return nil, errors.New(`input schema "required" must be an array`)
	}
}

func parseAdditionalProperties(raw any) (bool, error) {
	switch value := raw.(type) {
	case nil:
		return true, nil
	case bool:
		return value, nil
	default:
		return false, errors.New(`input schema "additionalProperties" must be a bool`)
	}
}

func parsePropertyType(schema map[string]any) (string, bool, error) {
	rawType, ok := schema["type"]
	if !ok {
		return "", false, nil
	}
	typeName, ok := rawType.(string)
	if !ok {
		return "", false, errors.New(`input schema property "type" must be a string`)
	}
	return typeName, true, nil
}

func asStringAnyMap(raw any) (map[string]any, bool) {
	value, ok := raw.(map[string]any)
	return value, ok
}

func sortedArgumentKeys(arguments map[string]any) []string {
	keys := make([]string, 0, len(arguments))
	for key := range arguments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// matchesToolArgumentType works on values decoded by encoding/json, where
// every number is a float64.
func matchesToolArgumentType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		n, ok := value.(float64)
		return ok && n == math.Trunc(n) && !math.IsInf(n, 0)
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
