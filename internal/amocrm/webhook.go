package amocrm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// WebhookPayload is the subset of an amoCRM webhook this service acts on.
type WebhookPayload struct {
	Leads    *EntityActions `json:"leads,omitempty"`
	Contacts *EntityActions `json:"contacts,omitempty"`
}

type EntityActions struct {
	Add    []EntityRecord `json:"add,omitempty"`
	Update []EntityRecord `json:"update,omitempty"`
}

type EntityRecord struct {
	ID                FlexInt `json:"id"`
	Name              string  `json:"name,omitempty"`
	HasName           bool    `json:"-"`
	ResponsibleUserID FlexInt `json:"responsible_user_id"`
	CreatedAt         FlexInt `json:"created_at"`
	LastModified      FlexInt `json:"last_modified"`
}

func (a *EntityActions) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var out EntityActions
	var err error
	if out.Add, err = decodeRecordList(doc["add"]); err != nil {
		return fmt.Errorf("add: %w", err)
	}
	if out.Update, err = decodeRecordList(doc["update"]); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	*a = out
	return nil
}

func (r *EntityRecord) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var out EntityRecord
	_ = json.Unmarshal(orNull(doc["id"]), &out.ID)
	_ = json.Unmarshal(orNull(doc["responsible_user_id"]), &out.ResponsibleUserID)
	_ = json.Unmarshal(orNull(doc["created_at"]), &out.CreatedAt)
	_ = json.Unmarshal(orNull(doc["last_modified"]), &out.LastModified)
	if raw, ok := doc["name"]; ok && !isJSONNull(raw) {
		out.Name = scalarString(raw)
		out.HasName = true
	}
	*r = out
	return nil
}

// decodeRecordList accepts a JSON array or an object keyed by index.
func decodeRecordList(raw json.RawMessage) ([]EntityRecord, error) {
	if isJSONNull(raw) {
		return nil, nil
	}
	items, ok := decodeContainer(raw)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of records", ErrInvalidInput)
	}
	records := make([]EntityRecord, 0, len(items))
	for _, item := range items {
		var record EntityRecord
		if err := json.Unmarshal(item.Value, &record); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrInvalidInput, item.Key, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func ParseWebhookJSON(body []byte) (WebhookPayload, error) {
	var payload WebhookPayload
	if len(bytes.TrimSpace(body)) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookPayload{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return payload, nil
}

// ParseWebhookForm decodes amoCRM's form encoding, where nesting is spelled
// with bracket keys such as leads[add][0][id]=1.
func ParseWebhookForm(values url.Values) (WebhookPayload, error) {
	root := map[string]any{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		path := splitBracketKey(key)
		if len(path) == 0 {
			continue
		}
		if err := setFormPath(root, path, vals[len(vals)-1]); err != nil {
			return WebhookPayload{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, key, err)
		}
	}
	data, err := json.Marshal(listifyFormTree(root))
	if err != nil {
		return WebhookPayload{}, err
	}
	return ParseWebhookJSON(data)
}

func splitBracketKey(key string) []string {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		if key == "" {
			return nil
		}
		return []string{key}
	}
	path := []string{key[:open]}
	rest := key[open:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			break
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path
}

func setFormPath(node map[string]any, path []string, value string) error {
	for i, segment := range path {
		if i == len(path)-1 {
			if _, isMap := node[segment].(map[string]any); isMap {
				return fmt.Errorf("value conflicts with nested key %q", segment)
			}
			node[segment] = value
			return nil
		}
		next, ok := node[segment]
		if !ok {
			child := map[string]any{}
			node[segment] = child
			node = child
			continue
		}
		child, isMap := next.(map[string]any)
		if !isMap {
			return fmt.Errorf("nested key conflicts with value %q", segment)
		}
		node = child
	}
	return nil
}

// listifyFormTree turns maps whose keys are all indexes into slices ordered
// by index.
func listifyFormTree(node any) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}
	indexes := make([]int, 0, len(m))
	for key := range m {
		n, err := strconv.Atoi(key)
		if err != nil || n < 0 {
			indexes = nil
			break
		}
		indexes = append(indexes, n)
	}
	if len(indexes) > 0 && len(indexes) == len(m) {
		sort.Ints(indexes)
		list := make([]any, 0, len(indexes))
		for _, idx := range indexes {
			list = append(list, listifyFormTree(m[strconv.Itoa(idx)]))
		}
		return list
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = listifyFormTree(value)
	}
	return out
}
