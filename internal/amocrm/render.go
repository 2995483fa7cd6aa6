package amocrm

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

type orderedField struct {
	Key   string
	Value json.RawMessage
}

// decodeContainer reads a JSON object or array as an ordered list of entries.
// Array entries are keyed by their decimal index. Anything else reports false.
func decodeContainer(raw json.RawMessage) ([]orderedField, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	isObject := tok == json.Delim('{')
	var fields []orderedField
	seen := map[string]int{}
	for idx := 0; dec.More(); idx++ {
		key := strconv.Itoa(idx)
		if isObject {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, false
			}
			name, ok := keyTok.(string)
			if !ok {
				return nil, false
			}
			key = name
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		if pos, dup := seen[key]; dup {
			fields[pos].Value = value
			continue
		}
		seen[key] = len(fields)
		fields = append(fields, orderedField{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	return fields, true
}

func lookupField(fields []orderedField, key string) (json.RawMessage, bool) {
	for _, f := range fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// fieldSet reports whether key is present with a non-null value.
func fieldSet(fields []orderedField, key string) bool {
	raw, ok := lookupField(fields, key)
	return ok && !isJSONNull(raw)
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// RenderFieldValue renders one field of an event snapshot for a changelog
// line. Objects render by the first set key among sale (as is), name (single
// quoted) and id (as is); anything else renders as compact JSON with key order
// and non-ASCII text preserved.
func RenderFieldValue(raw json.RawMessage) string {
	fields, ok := decodeContainer(raw)
	if !ok {
		return scalarString(raw)
	}
	if bytes.TrimSpace(raw)[0] == '{' {
		if value, found := lookupField(fields, "sale"); found && !isJSONNull(value) {
			return scalarString(value)
		}
		if value, found := lookupField(fields, "name"); found && !isJSONNull(value) {
			return "'" + scalarString(value) + "'"
		}
		if value, found := lookupField(fields, "id"); found && !isJSONNull(value) {
			return scalarString(value)
		}
	}
	return compactJSON(raw)
}

// scalarString renders strings unquoted and numbers in their literal form.
// Containers fall back to compact JSON.
func scalarString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case '{', '[':
		return compactJSON(trimmed)
	case 'n':
		return ""
	}
	return string(trimmed)
}

// compactJSON re-encodes raw without insignificant whitespace. Unicode escapes
// are written out as text and HTML characters are left alone.
func compactJSON(raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out strings.Builder
	type frame struct {
		object bool
		count  int
	}
	var stack []*frame
	writeSep := func() {
		if len(stack) == 0 {
			return
		}
		top := stack[len(stack)-1]
		switch {
		case top.object && top.count%2 == 1:
			out.WriteByte(':')
		case top.count > 0:
			out.WriteByte(',')
		}
		top.count++
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return string(bytes.TrimSpace(raw))
		}
		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{', '[':
				writeSep()
				out.WriteByte(byte(v))
				stack = append(stack, &frame{object: v == '{'})
			default:
				out.WriteByte(byte(v))
				stack = stack[:len(stack)-1]
			}
		case string:
			writeSep()
			out.WriteString(encodeJSONString(v))
		case json.Number:
			writeSep()
			out.WriteString(v.String())
		case bool:
			writeSep()
			out.WriteString(strconv.FormatBool(v))
		case nil:
			writeSep()
			out.WriteString("null")
		}
	}
	return out.String()
}

func encodeJSONString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
