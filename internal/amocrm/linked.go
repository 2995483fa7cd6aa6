package amocrm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type EntityFetcher interface {
	Entity(ctx context.Context, pluralType, id string) (map[string]any, error)
}

// LinkedNames resolves display names of linked objects for link narratives.
type LinkedNames struct {
	api    EntityFetcher
	logger Logger
}

func NewLinkedNames(api EntityFetcher, logger Logger) *LinkedNames {
	return &LinkedNames{api: api, logger: loggerOrDefault(logger)}
}

func (n *LinkedNames) LinkedObjectName(ctx context.Context, pluralType, id string) string {
	id = strings.TrimSpace(id)
	if id == "" || id == "?" {
		return "unknown"
	}
	item, err := n.api.Entity(ctx, pluralType, id)
	if err != nil {
		n.logger.Printf("linked object %s#%s lookup failed: %v", pluralType, id, err)
		return "unknown"
	}
	field := "name"
	if strings.ToLower(pluralType) == "tasks" {
		field = "text"
	}
	if name, ok := stringField(item, field); ok {
		return name
	}
	switch strings.ToLower(pluralType) {
	case "contacts", "leads", "companies", "customers", "catalogs", "tasks":
		return "unnamed"
	}
	return "#" + id
}

func stringField(item map[string]any, key string) (string, bool) {
	switch v := item[key].(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case json.Number:
		return v.String(), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}
