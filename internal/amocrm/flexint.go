package amocrm

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FlexInt decodes amoCRM numeric fields, which arrive as numbers from the
// REST API and as strings from form-encoded webhooks. Values that cannot be
// read as an integer leave Valid false instead of failing the whole document.
type FlexInt struct {
	Value   int64
	Present bool
	Valid   bool
}

func NewFlexInt(v int64) FlexInt {
	return FlexInt{Value: v, Present: true, Valid: true}
}

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = FlexInt{}
		return nil
	}
	*f = FlexInt{Present: true}
	text := string(trimmed)
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil
		}
	}
	text = strings.TrimSpace(text)
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		f.Value = n
		f.Valid = true
		return nil
	}
	if fl, err := strconv.ParseFloat(text, 64); err == nil && !math.IsInf(fl, 0) && fl == math.Trunc(fl) {
		f.Value = int64(fl)
		f.Valid = true
	}
	return nil
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	if !f.Present || !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Value, 10)), nil
}

// Int reports the value and whether it is usable.
func (f FlexInt) Int() (int64, bool) {
	return f.Value, f.Present && f.Valid
}

// Positive reports the value when it is a usable id or timestamp.
func (f FlexInt) Positive() (int64, bool) {
	if !f.Present || !f.Valid || f.Value <= 0 {
		return 0, false
	}
	return f.Value, true
}
