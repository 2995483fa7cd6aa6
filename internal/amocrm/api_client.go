package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	EntityLeads    = "leads"
	EntityContacts = "contacts"
)

// APIClient calls the amoCRM v4 REST API with the bearer token held by the
// TokenStore. It never refreshes tokens itself.
type APIClient struct {
	cfg   Config
	store TokenStore
	http  HTTPDoer
}

func NewAPIClient(cfg Config, store TokenStore, doer HTTPDoer) *APIClient {
	return &APIClient{cfg: cfg, store: store, http: doer}
}

// Request calls {base}/api/v4/{endpoint}. Bodies of type url.Values are sent
// form-encoded; string, []byte and json.RawMessage are sent as JSON text; any
// other non-nil value is JSON-marshalled. A response body that is empty or not
// a JSON object decodes to an empty map.
func (c *APIClient) Request(ctx context.Context, endpoint, method string, body any, headers http.Header) (map[string]any, error) {
	payload, err := c.do(ctx, endpoint, method, body, headers)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil || out == nil {
		return map[string]any{}, nil
	}
	return out, nil
}

func (c *APIClient) do(ctx context.Context, endpoint, method string, body any, headers http.Header) ([]byte, error) {
	pair, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(method) == "" {
		method = http.MethodGet
	}
	header := http.Header{}
	for key, values := range headers {
		header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	header.Set("Authorization", "Bearer "+pair.AccessToken)
	header.Set("Accept", "application/json")

	raw, contentType, err := encodeRequestBody(body)
	if err != nil {
		return nil, err
	}
	if contentType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(ctx, HTTPRequest{
		Method: method,
		URL:    c.cfg.apiURL(endpoint),
		Body:   raw,
		Header: header,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp.Body, nil
}

func encodeRequestBody(body any) ([]byte, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case url.Values:
		return []byte(v.Encode()), "application/x-www-form-urlencoded", nil
	case json.RawMessage:
		return []byte(v), "application/json", nil
	case []byte:
		return v, "application/json", nil
	case string:
		return []byte(v), "application/json", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("%w: encode request body: %v", ErrInvalidInput, err)
		}
		return data, "application/json", nil
	}
}

// getInto decodes a GET response into dst. Bodies that do not decode leave
// dst untouched.
func (c *APIClient) getInto(ctx context.Context, endpoint string, dst any) error {
	payload, err := c.do(ctx, endpoint, http.MethodGet, nil, nil)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(payload)) > 0 {
		_ = json.Unmarshal(payload, dst)
	}
	return nil
}

type User struct {
	ID   FlexInt `json:"id"`
	Name string  `json:"name"`
}

type Contact struct {
	ID   FlexInt `json:"id"`
	Name string  `json:"name"`
}

type LeadContact struct {
	ID     FlexInt `json:"id"`
	IsMain bool    `json:"is_main"`
}

type Lead struct {
	ID       FlexInt `json:"id"`
	Name     string  `json:"name"`
	Embedded struct {
		Contacts []LeadContact `json:"contacts"`
	} `json:"_embedded"`
}

// MainContactID returns the contact flagged is_main, else the first contact
// with a usable id.
func (l Lead) MainContactID() (int64, bool) {
	for _, contact := range l.Embedded.Contacts {
		if id, ok := contact.ID.Positive(); ok && contact.IsMain {
			return id, true
		}
	}
	for _, contact := range l.Embedded.Contacts {
		if id, ok := contact.ID.Positive(); ok {
			return id, true
		}
	}
	return 0, false
}

func (c *APIClient) User(ctx context.Context, id int64) (User, error) {
	var user User
	err := c.getInto(ctx, "users/"+strconv.FormatInt(id, 10), &user)
	return user, err
}

func (c *APIClient) Lead(ctx context.Context, id int64) (Lead, error) {
	var lead Lead
	err := c.getInto(ctx, "leads/"+strconv.FormatInt(id, 10)+"?with=contacts", &lead)
	return lead, err
}

func (c *APIClient) Contact(ctx context.Context, id int64) (Contact, error) {
	var contact Contact
	err := c.getInto(ctx, "contacts/"+strconv.FormatInt(id, 10), &contact)
	return contact, err
}

// LastLeadEvent returns the most recent event for a lead. The bool is false
// when the log has no events for it.
func (c *APIClient) LastLeadEvent(ctx context.Context, leadID int64) (Event, bool, error) {
	query := url.Values{}
	query.Set("filter[entity]", "lead")
	query.Set("filter[entity_id]", strconv.FormatInt(leadID, 10))
	query.Set("limit", "1")
	var resp struct {
		Embedded struct {
			Events []Event `json:"events"`
		} `json:"_embedded"`
	}
	if err := c.getInto(ctx, "events?"+query.Encode(), &resp); err != nil {
		return Event{}, false, err
	}
	if len(resp.Embedded.Events) == 0 {
		return Event{}, false, nil
	}
	return resp.Embedded.Events[0], true, nil
}

// Entity fetches {pluralType}/{id}. When the response wraps its result in
// _embedded.items the first item is returned.
func (c *APIClient) Entity(ctx context.Context, pluralType, id string) (map[string]any, error) {
	endpoint := url.PathEscape(pluralType) + "/" + url.PathEscape(id)
	resp, err := c.Request(ctx, endpoint, http.MethodGet, nil, nil)
	if err != nil {
		return nil, err
	}
	if embedded, ok := resp["_embedded"].(map[string]any); ok {
		if items, ok := embedded["items"].([]any); ok && len(items) > 0 {
			if first, ok := items[0].(map[string]any); ok {
				return first, nil
			}
		}
	}
	return resp, nil
}

type Note struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Text       string `json:"text"`
}

type notePayload struct {
	NoteType string `json:"note_type"`
	Params   struct {
		Text string `json:"text"`
	} `json:"params"`
}

func (c *APIClient) AddNote(ctx context.Context, note Note) error {
	if note.EntityType == "" || note.EntityID <= 0 {
		return fmt.Errorf("%w: note needs an entity type and id", ErrInvalidInput)
	}
	item := notePayload{NoteType: "common"}
	item.Params.Text = note.Text
	body, err := json.Marshal([]notePayload{item})
	if err != nil {
		return err
	}
	endpoint := note.EntityType + "/" + strconv.FormatInt(note.EntityID, 10) + "/notes"
	_, err = c.do(ctx, endpoint, http.MethodPost, json.RawMessage(body), nil)
	return err
}
