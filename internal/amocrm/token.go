package amocrm

import (
	"bytes"
	"encoding/json"
	"time"
)

// TokenPair is the token document returned by the amoCRM token endpoint.
// Provider fields this package does not model are kept in Extra and written
// back unchanged.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	// ReceivedAt is the unix time the pair was issued to us.
	ReceivedAt int64
	Extra      map[string]json.RawMessage
}

var tokenKnownFields = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"token_type":    {},
	"expires_in":    {},
	"received_at":   {},
}

func (t TokenPair) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(t.Extra)+5)
	for key, value := range t.Extra {
		if _, known := tokenKnownFields[key]; known {
			continue
		}
		doc[key] = value
	}
	doc["access_token"] = t.AccessToken
	doc["refresh_token"] = t.RefreshToken
	if t.TokenType != "" {
		doc["token_type"] = t.TokenType
	}
	if t.ExpiresIn != 0 {
		doc["expires_in"] = t.ExpiresIn
	}
	if t.ReceivedAt != 0 {
		doc["received_at"] = t.ReceivedAt
	}
	return json.Marshal(doc)
}

func (t *TokenPair) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	var out TokenPair
	if raw, ok := doc["access_token"]; ok {
		if err := json.Unmarshal(raw, &out.AccessToken); err != nil {
			return err
		}
	}
	if raw, ok := doc["refresh_token"]; ok {
		if err := json.Unmarshal(raw, &out.RefreshToken); err != nil {
			return err
		}
	}
	if raw, ok := doc["token_type"]; ok {
		_ = json.Unmarshal(raw, &out.TokenType)
	}
	if raw, ok := doc["expires_in"]; ok {
		var n FlexInt
		_ = json.Unmarshal(raw, &n)
		out.ExpiresIn = n.Value
	}
	if raw, ok := doc["received_at"]; ok {
		var n FlexInt
		_ = json.Unmarshal(raw, &n)
		out.ReceivedAt = n.Value
	}
	for key, value := range doc {
		if _, known := tokenKnownFields[key]; known {
			continue
		}
		if out.Extra == nil {
			out.Extra = map[string]json.RawMessage{}
		}
		out.Extra[key] = value
	}
	*t = out
	return nil
}

// ExpiresAt returns the zero time when the pair carries no expiry data.
func (t TokenPair) ExpiresAt() time.Time {
	if t.ReceivedAt <= 0 || t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return time.Unix(t.ReceivedAt+t.ExpiresIn, 0)
}
