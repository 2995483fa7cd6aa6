package amocrm

import "strings"

var fieldLabels = map[string]string{
	"lead_status":      "Status",
	"sale_field_value": "Amount",
	"name_field_value": "Name",
	"responsible_user": "Responsible",
	"custom_fields":    "Custom field",
	"link":             "Link",
}

var entityTypeNames = map[string]string{
	"contacts":  "Contacts",
	"leads":     "Deals",
	"companies": "Companies",
	"customers": "Customers",
	"catalogs":  "Catalog elements",
	"contact":   "Contact",
	"lead":      "Deal",
	"company":   "Company",
	"customer":  "Customer",
	"catalog":   "Catalog element",
}

var pluralEntityTypes = map[string]string{
	"contact":   "contacts",
	"contacts":  "contacts",
	"lead":      "leads",
	"leads":     "leads",
	"company":   "companies",
	"companies": "companies",
	"customer":  "customers",
	"task":      "tasks",
	"catalog":   "catalogs",
}

func FieldLabel(fieldType string) string {
	if label, ok := fieldLabels[fieldType]; ok {
		return label
	}
	return fieldType
}

func EntityTypeName(apiType string) string {
	if name, ok := entityTypeNames[apiType]; ok {
		return name
	}
	return apiType
}

// PluralizeEntityType maps an entity type to its REST collection name.
// Unknown types are returned as given.
func PluralizeEntityType(entityType string) string {
	if plural, ok := pluralEntityTypes[strings.ToLower(entityType)]; ok {
		return plural
	}
	return entityType
}
