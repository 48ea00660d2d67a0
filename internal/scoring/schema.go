// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package scoring

import (
	"fmt"
	"slices"
	"sort"

	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

// TagSchemaValidationFailure marks a record that does not satisfy its schema.
const TagSchemaValidationFailure = "schema_validation_failure"

// Field describes one property of a record schema. Object and array fields
// carry the schema of their members.
type Field struct {
	kind   valueKind
	enum   []string
	date   bool
	fields *Schema
	items  *Schema
}

// Schema lists the required and typed properties of one schema type.
// Unlisted properties are allowed.
type Schema struct {
	Required   []string
	Properties map[string]Field
}

// Validation is the outcome of checking a record against its schema. It is
// kept apart from the anomaly report and never changes the anomaly score.
type Validation struct {
	SchemaType    string   `json:"schema_type"`
	Valid         bool     `json:"is_valid"`
	SchemaErrors  []string `json:"schema_errors"`
	MissingFields []string `json:"missing_fields"`
	TypeErrors    []string `json:"type_errors"`
	Anomalies     []string `json:"anomalies"`
}

// Schemas maps schema types to the schema their records must satisfy.
type Schemas map[string]*Schema

func str() Field                   { return Field{kind: kindString} }
func num() Field                   { return Field{kind: kindNumber} }
func object(s *Schema) Field       { return Field{kind: kindObject, fields: s} }
func arrayOf(s *Schema) Field      { return Field{kind: kindArray, items: s} }
func oneOf(values ...string) Field { return Field{kind: kindString, enum: values} }
func dateTime() Field              { return Field{kind: kindString, date: true} }

// DefaultSchemas returns the built-in webhook, invoice, transaction and
// user_event schemas.
func DefaultSchemas() Schemas {
	return Schemas{
		"webhook": {
			Required: []string{"event_type", "timestamp", "data"},
			Properties: map[string]Field{
				"event_type": str(),
				"timestamp":  dateTime(),
				"data": object(&Schema{
					Required: []string{"user_id", "amount"},
					Properties: map[string]Field{
						"user_id":        str(),
						"amount":         num(),
						"currency":       str(),
						"transaction_id": str(),
					},
				}),
			},
		},
		"invoice": {
			Required: []string{"invoice_number", "total", "line_items"},
			Properties: map[string]Field{
				"invoice_number": str(),
				"total":          num(),
				"currency":       str(),
				"line_items": arrayOf(&Schema{
					Required: []string{"description", "quantity", "unit_price"},
					Properties: map[string]Field{
						"description": str(),
						"quantity":    num(),
						"unit_price":  num(),
					},
				}),
			},
		},
		"transaction": {
			Required: []string{"id", "amount", "timestamp"},
			Properties: map[string]Field{
				"id":        str(),
				"amount":    num(),
				"timestamp": str(),
				"currency":  str(),
				"status":    oneOf("pending", "completed", "failed"),
			},
		},
		"user_event": {
			Required: []string{"user_id", "event_type", "timestamp"},
			Properties: map[string]Field{
				"user_id":    str(),
				"event_type": str(),
				"timestamp":  str(),
				"properties": object(nil),
			},
		},
	}
}

// Names returns the registered schema types in sorted order.
func (s Schemas) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks rec against the schema registered for schemaType. ok is
// false when no schema is registered, in which case the record passes.
func (s Schemas) Validate(schemaType string, rec core.Record) (v Validation, ok bool) {
	v = Validation{
		SchemaType:    schemaType,
		Valid:         true,
		SchemaErrors:  []string{},
		MissingFields: []string{},
		TypeErrors:    []string{},
		Anomalies:     []string{},
	}
	schema, ok := s[schemaType]
	if !ok {
		return v, false
	}
	schema.check("", map[string]any(rec), &v)
	if len(v.SchemaErrors) > 0 {
		v.Valid = false
		v.Anomalies = append(v.Anomalies, TagSchemaValidationFailure)
	}
	return v, true
}

func (s *Schema) check(prefix string, obj map[string]any, v *Validation) {
	if s == nil {
		return
	}
	for _, name := range s.Required {
		if _, present := obj[name]; !present {
			path := prefix + name
			v.MissingFields = append(v.MissingFields, path)
			v.SchemaErrors = append(v.SchemaErrors, fmt.Sprintf("%s is a required property", path))
		}
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		val, present := obj[name]
		if !present {
			continue
		}
		s.Properties[name].check(prefix+name, val, v)
	}
}

func (f Field) check(path string, val any, v *Validation) {
	typeError := func(want string) {
		msg := fmt.Sprintf("%s: %s is not of type %s", path, describe(val), want)
		v.TypeErrors = append(v.TypeErrors, msg)
		v.SchemaErrors = append(v.SchemaErrors, msg)
	}
	switch f.kind {
	case kindObject:
		obj, ok := asObject(val)
		if !ok {
			typeError("object")
			return
		}
		f.fields.check(path+".", obj, v)
	case kindArray:
		items, ok := val.([]any)
		if !ok {
			typeError("array")
			return
		}
		for i, item := range items {
			obj, ok := asObject(item)
			if !ok {
				Field{kind: kindObject}.check(fmt.Sprintf("%s[%d]", path, i), item, v)
				continue
			}
			f.items.check(fmt.Sprintf("%s[%d].", path, i), obj, v)
		}
	case kindString:
		s, ok := val.(string)
		if !ok {
			typeError("string")
			return
		}
		if len(f.enum) > 0 && !slices.Contains(f.enum, s) {
			v.SchemaErrors = append(v.SchemaErrors, fmt.Sprintf("%s: %q is not one of %v", path, s, f.enum))
		}
		if f.date {
			if _, err := parseTimestamp(s); err != nil {
				v.SchemaErrors = append(v.SchemaErrors, fmt.Sprintf("%s: %q is not a date-time", path, s))
			}
		}
	default:
		if !matches(val, f.kind) {
			typeError(kindName(f.kind))
		}
	}
}

func asObject(val any) (map[string]any, bool) {
	switch o := val.(type) {
	case map[string]any:
		return o, true
	case core.Record:
		return o, true
	}
	return nil, false
}

func kindName(k valueKind) string {
	switch k {
	case kindNumber:
		return "number"
	case kindInteger:
		return "integer"
	case kindBool:
		return "boolean"
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	default:
		return "string"
	}
}

func describe(val any) string {
	switch val.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any, core.Record:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := numeric(val); ok {
		return "number"
	}
	return fmt.Sprintf("%T", val)
}
