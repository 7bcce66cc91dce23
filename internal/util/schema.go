package util

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ValidationError represents schema validation errors with detailed information.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var (
	timeType       = reflect.TypeOf(time.Time{})
	rawMessageType = reflect.TypeOf(json.RawMessage{})
)

// SchemaFor infers a JSON schema for the type parameter.
func SchemaFor[T any]() map[string]any {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	return InferSchema(t)
}

// CreateSchema creates a JSON schema from a Go value using reflection.
func CreateSchema(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return InferSchema(reflect.TypeOf(v))
}

// InferSchema builds a JSON schema for t. Struct fields follow encoding/json
// naming; fields without omitempty that are not pointers are required. The
// optional `description` tag is copied into the property schema.
func InferSchema(t reflect.Type) map[string]any {
	return inferSchema(t, map[reflect.Type]bool{})
}

func inferSchema(t reflect.Type, seen map[reflect.Type]bool) map[string]any {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch {
	case t == timeType:
		return map[string]any{"type": "string", "format": "date-time"}
	case t == rawMessageType:
		return map[string]any{}
	}

	switch t.Kind() {
	case reflect.Interface:
		return map[string]any{}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string", "contentEncoding": "base64"}
		}
		return map[string]any{"type": "array", "items": inferSchema(t.Elem(), seen)}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": inferSchema(t.Elem(), seen)}
	case reflect.Struct:
		if seen[t] {
			return map[string]any{"type": "object"}
		}
		seen[t] = true
		defer delete(seen, t)

		properties := make(map[string]any)
		required := make([]string, 0)

		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}

			jsonTag := field.Tag.Get("json")
			if jsonTag == "-" {
				continue
			}

			if field.Anonymous && jsonTag == "" && field.Type.Kind() == reflect.Struct {
				embedded := inferSchema(field.Type, seen)
				if props, ok := embedded["properties"].(map[string]any); ok {
					for k, v := range props {
						properties[k] = v
					}
				}
				if req, ok := embedded["required"].([]string); ok {
					required = append(required, req...)
				}
				continue
			}

			fieldName := field.Name
			if jsonTag != "" {
				parts := strings.Split(jsonTag, ",")
				if parts[0] != "" {
					fieldName = parts[0]
				}
			}

			fieldSchema := inferSchema(field.Type, seen)
			if description := field.Tag.Get("description"); description != "" {
				fieldSchema["description"] = description
			}
			properties[fieldName] = fieldSchema

			if !hasOmitEmpty(jsonTag) && !isPointer(field.Type) {
				required = append(required, fieldName)
			}
		}

		schema := map[string]any{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	default:
		return map[string]any{"type": getJSONType(t)}
	}
}

// ValidateJSON decodes data and validates it against schema.
func ValidateJSON(data []byte, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var v any
	if len(data) == 0 {
		data = []byte("null")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return ValidateValue(v, schema)
}

// ValidateValue validates a decoded JSON value against schema.
func ValidateValue(v any, schema map[string]any) error {
	return validateValue("", v, schema)
}

// ValidateParameters validates tool arguments against an object schema.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	return validateValue("", params, schema)
}

func validateValue(path string, value any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	expectedType, _ := schema["type"].(string)
	if value == nil {
		if expectedType == "" || expectedType == "object" || expectedType == "array" {
			return nil
		}
		return &ValidationError{Field: path, Message: fmt.Sprintf("expected type %s, got null", expectedType)}
	}

	if !isValidType(value, expectedType) {
		return &ValidationError{
			Field:   path,
			Value:   value,
			Message: fmt.Sprintf("expected type %s, got %T", expectedType, value),
		}
	}

	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		found := false
		for _, e := range enum {
			if e == value {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Field: path, Value: value, Message: "value is not one of the allowed values"}
		}
	}

	switch v := value.(type) {
	case map[string]any:
		for _, name := range requiredFields(schema["required"]) {
			if _, exists := v[name]; !exists {
				return &ValidationError{Field: join(path, name), Message: "required field is missing"}
			}
		}
		properties, _ := schema["properties"].(map[string]any)
		for name, fieldValue := range v {
			propSchema, ok := properties[name].(map[string]any)
			if !ok {
				continue // extra fields are allowed
			}
			if err := validateValue(join(path, name), fieldValue, propSchema); err != nil {
				return err
			}
		}
	case []any:
		items, _ := schema["items"].(map[string]any)
		for i, item := range v {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item, items); err != nil {
				return err
			}
		}
	}

	return nil
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func getJSONType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Ptr:
		return getJSONType(t.Elem())
	default:
		return "string"
	}
}

func hasOmitEmpty(tag string) bool {
	parts := strings.Split(tag, ",")
	for _, part := range parts[1:] {
		if p := strings.TrimSpace(part); p == "omitempty" || p == "omitzero" {
			return true
		}
	}
	return false
}

func isPointer(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr
}

func isValidType(value any, expectedType string) bool {
	if value == nil {
		return true
	}

	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64: // encoding/json decodes every number as float64
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
