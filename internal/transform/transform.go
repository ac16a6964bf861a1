// Package transform encodes values as JSON with explicit type tags for the values plain JSON
// cannot carry, so they survive a round trip through a snapshot or the procedure boundary.
//
// A tagged value is an object of exactly two keys: {"$type": tag, "value": payload}.
package transform

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

const (
	tagKey   = "$type"
	valueKey = "value"

	// TagDate marks a timestamp encoded as RFC 3339 with nanoseconds, normalized to UTC.
	TagDate = "date"
	// TagBigInt marks an integer outside the range a JSON number can carry exactly.
	TagBigInt = "bigint"
	// TagBytes marks a byte slice encoded as standard base64.
	TagBytes = "bytes"
	// TagMap marks a map whose own keys include "$type" and must not be read as a tag.
	TagMap = "map"
)

// maxSafeInteger is the largest integer a float64 represents exactly.
const maxSafeInteger = 1<<53 - 1

var (
	// ErrUnsupportedValue indicates a value with no JSON or tagged representation.
	ErrUnsupportedValue = errors.New("transform: unsupported value")
	// ErrInvalidTag indicates a malformed or unknown tagged value on decode.
	ErrInvalidTag = errors.New("transform: invalid tagged value")
)

var (
	timeType          = reflect.TypeOf(time.Time{})
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

// Marshal encodes value into tagged JSON. Object keys are emitted in sorted order, so equal
// values always produce identical bytes.
func Marshal(value any) (json.RawMessage, error) {
	tree, err := encodeValue(reflect.ValueOf(value))
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return encoded, nil
}

// Unmarshal decodes tagged JSON produced by Marshal into target.
func Unmarshal(data []byte, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidTag)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var tree any
	if err := decoder.Decode(&tree); err != nil {
		return err
	}
	plain, err := decodeTree(tree)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(plain)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, target)
}

func tagged(tag string, payload any) map[string]any {
	return map[string]any{tagKey: tag, valueKey: payload}
}

func encodeValue(value reflect.Value) (any, error) {
	if !value.IsValid() {
		return nil, nil
	}
	switch value.Kind() {
	case reflect.Pointer, reflect.Interface:
		if value.IsNil() {
			return nil, nil
		}
		return encodeValue(value.Elem())
	}

	valueType := value.Type()
	if valueType == timeType {
		timestamp := value.Interface().(time.Time)
		return tagged(TagDate, timestamp.UTC().Format(time.RFC3339Nano)), nil
	}
	if valueType.Implements(jsonMarshalerType) {
		return encodeMarshaler(value)
	}

	switch value.Kind() {
	case reflect.Bool:
		return value.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		number := value.Int()
		if number > maxSafeInteger || number < -maxSafeInteger {
			return tagged(TagBigInt, strconv.FormatInt(number, 10)), nil
		}
		return number, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		number := value.Uint()
		if number > maxSafeInteger {
			return tagged(TagBigInt, strconv.FormatUint(number, 10)), nil
		}
		return number, nil
	case reflect.Float32, reflect.Float64:
		number := value.Float()
		if math.IsNaN(number) || math.IsInf(number, 0) {
			return nil, fmt.Errorf("%w: non-finite float %v", ErrUnsupportedValue, number)
		}
		if value.Kind() == reflect.Float32 {
			return float32(number), nil
		}
		return number, nil
	case reflect.String:
		return value.String(), nil
	case reflect.Slice:
		if value.IsNil() {
			return nil, nil
		}
		if valueType.Elem().Kind() == reflect.Uint8 {
			return tagged(TagBytes, base64.StdEncoding.EncodeToString(value.Bytes())), nil
		}
		return encodeList(value)
	case reflect.Array:
		return encodeList(value)
	case reflect.Map:
		return encodeMap(value)
	case reflect.Struct:
		return encodeStruct(value)
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrUnsupportedValue, value.Kind())
	}
}

func encodeMarshaler(value reflect.Value) (any, error) {
	raw, err := json.Marshal(value.Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var tree any
	if err := decoder.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func encodeList(value reflect.Value) (any, error) {
	items := make([]any, 0, value.Len())
	for index := 0; index < value.Len(); index++ {
		item, err := encodeValue(value.Index(index))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func encodeMap(value reflect.Value) (any, error) {
	if value.IsNil() {
		return nil, nil
	}
	if value.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: map key kind %s", ErrUnsupportedValue, value.Type().Key().Kind())
	}
	fields := make(map[string]any, value.Len())
	iterator := value.MapRange()
	for iterator.Next() {
		item, err := encodeValue(iterator.Value())
		if err != nil {
			return nil, err
		}
		fields[iterator.Key().String()] = item
	}
	return escapeObject(fields), nil
}

func encodeStruct(value reflect.Value) (any, error) {
	fields := make(map[string]any, value.NumField())
	if err := collectStructFields(value, fields); err != nil {
		return nil, err
	}
	return escapeObject(fields), nil
}

func collectStructFields(value reflect.Value, fields map[string]any) error {
	valueType := value.Type()
	for index := 0; index < valueType.NumField(); index++ {
		field := valueType.Field(index)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, options, _ := strings.Cut(tag, ",")
		fieldValue := value.Field(index)

		if field.Anonymous && name == "" {
			embedded := fieldValue
			if embedded.Kind() == reflect.Pointer {
				if embedded.IsNil() {
					continue
				}
				embedded = embedded.Elem()
			}
			if embedded.Kind() == reflect.Struct && embedded.Type() != timeType {
				if err := collectStructFields(embedded, fields); err != nil {
					return err
				}
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if hasOption(options, "omitempty") && isEmptyValue(fieldValue) {
			continue
		}
		encoded, err := encodeValue(fieldValue)
		if err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
		fields[name] = encoded
	}
	return nil
}

func escapeObject(fields map[string]any) any {
	if _, collides := fields[tagKey]; collides {
		return tagged(TagMap, fields)
	}
	return fields
}

func hasOption(options, option string) bool {
	for options != "" {
		var current string
		current, options, _ = strings.Cut(options, ",")
		if current == option {
			return true
		}
	}
	return false
}

func isEmptyValue(value reflect.Value) bool {
	switch value.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return value.Len() == 0
	case reflect.Bool:
		return !value.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return value.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return value.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return value.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return value.IsNil()
	}
	return false
}

func decodeTree(node any) (any, error) {
	switch typed := node.(type) {
	case map[string]any:
		if _, isTagged := typed[tagKey]; isTagged {
			return decodeTagged(typed)
		}
		return decodeObject(typed)
	case []any:
		items := make([]any, 0, len(typed))
		for _, item := range typed {
			decoded, err := decodeTree(item)
			if err != nil {
				return nil, err
			}
			items = append(items, decoded)
		}
		return items, nil
	default:
		return node, nil
	}
}

func decodeObject(fields map[string]any) (map[string]any, error) {
	decoded := make(map[string]any, len(fields))
	for key, item := range fields {
		value, err := decodeTree(item)
		if err != nil {
			return nil, err
		}
		decoded[key] = value
	}
	return decoded, nil
}

func decodeTagged(node map[string]any) (any, error) {
	tag, ok := node[tagKey].(string)
	if !ok || len(node) != 2 {
		return nil, fmt.Errorf("%w: malformed envelope", ErrInvalidTag)
	}
	payload, ok := node[valueKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing value for %q", ErrInvalidTag, tag)
	}

	if tag == TagMap {
		fields, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s payload is not an object", ErrInvalidTag, tag)
		}
		return decodeObject(fields)
	}

	text, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s payload is not a string", ErrInvalidTag, tag)
	}
	switch tag {
	case TagDate:
		if _, err := time.Parse(time.RFC3339Nano, text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTag, err)
		}
		return text, nil
	case TagBigInt:
		if !isInteger(text) {
			return nil, fmt.Errorf("%w: bigint %q", ErrInvalidTag, text)
		}
		return json.Number(text), nil
	case TagBytes:
		if _, err := base64.StdEncoding.DecodeString(text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTag, err)
		}
		return text, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrInvalidTag, tag)
	}
}

func isInteger(text string) bool {
	if _, err := strconv.ParseInt(text, 10, 64); err == nil {
		return true
	}
	_, err := strconv.ParseUint(text, 10, 64)
	return err == nil
}
