package amocrm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeRemoved
	ChangeModified
)

type FieldChange struct {
	Kind  ChangeKind
	Label string
	Old   string
	New   string
}

func (c FieldChange) String() string {
	switch c.Kind {
	case ChangeAdded:
		return fmt.Sprintf("Added %s: %s", c.Label, c.New)
	case ChangeRemoved:
		return fmt.Sprintf("Removed %s: %s", c.Label, c.Old)
	default:
		return fmt.Sprintf("%s: was %s → now %s", c.Label, c.Old, c.New)
	}
}

// LinkedNameResolver names the object on the other side of a link event.
type LinkedNameResolver interface {
	LinkedObjectName(ctx context.Context, pluralType, id string) string
}

type DiffEngine struct {
	names LinkedNameResolver
}

func NewDiffEngine(names LinkedNameResolver) *DiffEngine {
	return &DiffEngine{names: names}
}

// Describe returns the changelog lines for an event: field changes first,
// then a narrative line for creation, link and unlink events.
func (d *DiffEngine) Describe(ctx context.Context, event Event) []string {
	changes := DiffSnapshots(event.ValueBefore, event.ValueAfter)
	lines := make([]string, 0, len(changes)+1)
	for _, change := range changes {
		lines = append(lines, change.String())
	}
	if narrative, ok := d.narrative(ctx, event); ok {
		lines = append(lines, narrative)
	}
	return lines
}

// DiffSnapshots compares two event snapshots index by index. It returns nil
// when either side is missing or is not a JSON object or array.
func DiffSnapshots(before, after json.RawMessage) []FieldChange {
	beforeItems, okBefore := decodeContainer(before)
	afterItems, okAfter := decodeContainer(after)
	if !okBefore || !okAfter {
		return nil
	}
	keyOf := func(f orderedField, _ int) string { return f.Key }
	indexes := lo.Uniq(append(lo.Map(afterItems, keyOf), lo.Map(beforeItems, keyOf)...))

	var changes []FieldChange
	for _, idx := range indexes {
		afterFields := snapshotFields(afterItems, idx)
		beforeFields := snapshotFields(beforeItems, idx)

		for _, field := range afterFields {
			if field.Key == "note" || isJSONNull(field.Value) {
				continue
			}
			if !fieldSet(beforeFields, field.Key) {
				changes = append(changes, FieldChange{
					Kind:  ChangeAdded,
					Label: FieldLabel(field.Key),
					New:   RenderFieldValue(field.Value),
				})
			}
		}
		for _, field := range beforeFields {
			if field.Key == "note" || isJSONNull(field.Value) {
				continue
			}
			afterValue, _ := lookupField(afterFields, field.Key)
			if isJSONNull(afterValue) {
				changes = append(changes, FieldChange{
					Kind:  ChangeRemoved,
					Label: FieldLabel(field.Key),
					Old:   RenderFieldValue(field.Value),
				})
				continue
			}
			oldText := RenderFieldValue(field.Value)
			newText := RenderFieldValue(afterValue)
			if oldText != newText {
				changes = append(changes, FieldChange{
					Kind:  ChangeModified,
					Label: FieldLabel(field.Key),
					Old:   oldText,
					New:   newText,
				})
			}
		}
	}
	return changes
}

func snapshotFields(items []orderedField, idx string) []orderedField {
	raw, ok := lookupField(items, idx)
	if !ok {
		return nil
	}
	fields, _ := decodeContainer(raw)
	return fields
}

func (d *DiffEngine) narrative(ctx context.Context, event Event) (string, bool) {
	switch event.Type {
	case "lead_added":
		return "Deal created", true
	case "entity_linked":
		return "Linked object: " + d.linkTarget(ctx, event.ValueAfter), true
	case "entity_unlinked":
		return "Unlinked object: " + d.linkTarget(ctx, event.ValueBefore), true
	}
	return "", false
}

// linkTarget renders "<TypeName>:<name>" from snapshot[0].link.entity.
func (d *DiffEngine) linkTarget(ctx context.Context, snapshot json.RawMessage) string {
	entityType, entityID := "?", ""
	entity := nestedField(snapshot, "0", "link", "entity")
	if fields, ok := decodeContainer(entity); ok {
		if raw, found := lookupField(fields, "type"); found && !isJSONNull(raw) {
			entityType = scalarString(raw)
		}
		if raw, found := lookupField(fields, "id"); found && !isJSONNull(raw) {
			entityID = scalarString(raw)
		}
	}
	name := "unknown"
	if entityID != "" && d.names != nil {
		name = d.names.LinkedObjectName(ctx, PluralizeEntityType(entityType), entityID)
	}
	return EntityTypeName(entityType) + ":" + name
}

func nestedField(raw json.RawMessage, path ...string) json.RawMessage {
	current := raw
	for _, key := range path {
		fields, ok := decodeContainer(current)
		if !ok {
			return nil
		}
		next, found := lookupField(fields, key)
		if !found {
			return nil
		}
		current = next
	}
	return current
}
