// Package detect scans generated apps for placeholder references to domain
// entities and ranks existing records that could back them.
package detect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"agentline/internal/domain"
)

// Schema is the structured page description of a generated app.
type Schema struct {
	Name     string    `json:"name,omitempty"`
	Sections []Section `json:"sections"`
}

type Section struct {
	ID    string         `json:"id,omitempty"`
	Type  string         `json:"type"`
	Props map[string]any `json:"props,omitempty"`
}

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Item is one detected placeholder reference.
type Item struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	PlaceholderData map[string]any  `json:"placeholder_data"`
	ExistingMatches []domain.Record `json:"existing_matches"`
}

type SectionResult struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Source        string `json:"source,omitempty"`
	DetectedItems []Item `json:"detected_items"`
}

type Catalog struct {
	Sections   []SectionResult `json:"sections"`
	TotalItems int             `json:"total_items"`
}

// Items flattens the catalog in section order.
func (c Catalog) Items() []Item {
	var res []Item
	for _, s := range c.Sections {
		res = append(res, s.DetectedItems...)
	}
	return res
}

// CountByType reports how many items of each type were detected.
func (c Catalog) CountByType() map[string]int {
	res := map[string]int{}
	for _, s := range c.Sections {
		for _, it := range s.DetectedItems {
			res[it.Type]++
		}
	}
	return res
}

// ParseSchema decodes a stored app schema. Empty input yields an empty schema.
func ParseSchema(raw json.RawMessage) (Schema, error) {
	var s Schema
	if len(strings.TrimSpace(string(raw))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse app schema: %w", err)
	}
	return s, nil
}

var typeAliases = map[string]string{
	"events":    domain.RecordEvent,
	"products":  domain.RecordProduct,
	"tickets":   "ticket",
	"forms":     domain.RecordForm,
	"contacts":  domain.RecordContact,
	"person":    domain.RecordContact,
	"people":    domain.RecordContact,
	"member":    domain.RecordContact,
	"speaker":   domain.RecordContact,
	"invoices":  domain.RecordInvoice,
	"workflows": domain.RecordWorkflow,
}

// NormalizeType lowercases an entity type and folds common aliases.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if alias, ok := typeAliases[t]; ok {
		return alias
	}
	return t
}

// RecordType maps a detected item type to the record type that backs it.
func RecordType(itemType string) string {
	if itemType == "ticket" {
		return domain.RecordProduct
	}
	return itemType
}

// Detect builds the item catalog for a schema and its files. Output depends
// only on the input: files are visited in path order.
func Detect(schema Schema, files []File) Catalog {
	var cat Catalog
	for i, sec := range schema.Sections {
		id := strings.TrimSpace(sec.ID)
		if id == "" {
			id = fmt.Sprintf("section-%d", i)
		}
		res := SectionResult{ID: id, Type: strings.ToLower(sec.Type)}
		res.DetectedItems = numberItems(id, sectionItems(sec))
		cat.Sections = append(cat.Sections, res)
	}
	sorted := append([]File(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, f := range sorted {
		items := fileItems(f)
		if len(items) == 0 {
			continue
		}
		id := "file:" + f.Path
		cat.Sections = append(cat.Sections, SectionResult{
			ID:            id,
			Type:          "file",
			Source:        f.Path,
			DetectedItems: numberItems(id, items),
		})
	}
	for _, s := range cat.Sections {
		cat.TotalItems += len(s.DetectedItems)
	}
	return cat
}

// numberItems assigns "<section>:<type>:<index>" ids, counting per type.
func numberItems(sectionID string, items []Item) []Item {
	counts := map[string]int{}
	for i := range items {
		items[i].ID = fmt.Sprintf("%s:%s:%d", sectionID, items[i].Type, counts[items[i].Type])
		counts[items[i].Type]++
	}
	if items == nil {
		return []Item{}
	}
	return items
}

func sectionItems(sec Section) []Item {
	props := sec.Props
	if props == nil {
		props = map[string]any{}
	}
	switch strings.ToLower(strings.TrimSpace(sec.Type)) {
	case "pricing", "tickets", "plans":
		return listItems(props, "ticket", []string{"plans", "tiers", "tickets", "items"}, productFields)
	case "products", "catalog":
		return listItems(props, domain.RecordProduct, []string{"products", "items"}, productFields)
	case "team", "speakers", "people":
		return listItems(props, domain.RecordContact, []string{"members", "people", "speakers", "items"}, contactFields)
	case "event", "hero", "schedule":
		if !hasAny(props, "date", "startDate", "start_date", "eventDate") {
			return nil
		}
		return []Item{{Type: domain.RecordEvent, PlaceholderData: pick(props, map[string][]string{
			"name":        {"title", "heading", "name"},
			"startDate":   {"startDate", "start_date", "date", "eventDate"},
			"endDate":     {"endDate", "end_date"},
			"location":    {"location", "venue"},
			"description": {"description", "subtitle", "subheading"},
		})}}
	case "form", "contact-form", "registration", "signup":
		data := pick(props, map[string][]string{
			"name":        {"title", "name", "heading"},
			"description": {"description", "subtitle"},
			"fields":      {"fields"},
		})
		return []Item{{Type: domain.RecordForm, PlaceholderData: data}}
	case "checkout", "cta":
		if strings.EqualFold(sec.Type, "cta") && !truthy(props["checkout"]) && !strings.EqualFold(str(props["action"]), "checkout") {
			return nil
		}
		return []Item{{Type: domain.RecordCheckout, PlaceholderData: pick(props, map[string][]string{
			"name":        {"title", "name", "buttonText", "label"},
			"paymentMode": {"paymentMode", "payment_mode"},
		})}}
	case "invoice", "billing":
		return []Item{{Type: domain.RecordInvoice, PlaceholderData: pick(props, map[string][]string{
			"name":     {"title", "name"},
			"amount":   {"amount", "total", "price"},
			"customer": {"customer", "billTo", "bill_to"},
			"dueDate":  {"dueDate", "due_date"},
		})}}
	case "workflow", "automation":
		return []Item{{Type: domain.RecordWorkflow, PlaceholderData: pick(props, map[string][]string{
			"name":    {"title", "name"},
			"trigger": {"trigger"},
			"steps":   {"steps"},
		})}}
	}
	return nil
}

var (
	productFields = map[string][]string{
		"name":        {"name", "title", "tier", "label"},
		"price":       {"price", "amount", "cost"},
		"currency":    {"currency"},
		"description": {"description", "summary"},
	}
	contactFields = map[string][]string{
		"name":  {"name", "fullName", "full_name"},
		"email": {"email"},
		"role":  {"role", "title", "position"},
	}
)

// listItems turns an array prop of objects into one item per element. A
// section without any list prop but with a name is treated as a single item.
func listItems(props map[string]any, itemType string, keys []string, fields map[string][]string) []Item {
	for _, k := range keys {
		list, ok := props[k].([]any)
		if !ok {
			continue
		}
		var items []Item
		for _, el := range list {
			obj, ok := el.(map[string]any)
			if !ok {
				continue
			}
			items = append(items, Item{Type: itemType, PlaceholderData: pick(obj, fields)})
		}
		return items
	}
	data := pick(props, fields)
	if _, ok := data["name"]; !ok {
		return nil
	}
	return []Item{{Type: itemType, PlaceholderData: data}}
}

// pick copies the first present source key for each target field.
func pick(src map[string]any, fields map[string][]string) map[string]any {
	out := map[string]any{}
	for target, sources := range fields {
		for _, s := range sources {
			if v, ok := src[s]; ok && v != nil && v != "" {
				out[target] = v
				break
			}
		}
	}
	return out
}

func hasAny(props map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := props[k]; ok && v != nil && v != "" {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	}
	return v != nil
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*\bdata-entity="([^"]+)"[^>]*>`)
	attrPattern  = regexp.MustCompile(`\bdata-([a-z][a-z0-9-]*)="([^"]*)"`)
	tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\.([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)
)

// fileItems extracts data-entity tagged elements first, then one item per
// entity referenced through {{entity.field}} tokens.
func fileItems(f File) []Item {
	var items []Item
	for _, tag := range tagPattern.FindAllString(f.Content, -1) {
		data := map[string]any{}
		var entity string
		for _, m := range attrPattern.FindAllStringSubmatch(tag, -1) {
			if m[1] == "entity" {
				entity = NormalizeType(m[2])
				continue
			}
			data[camel(m[1])] = m[2]
		}
		if entity == "" {
			continue
		}
		items = append(items, Item{Type: entity, PlaceholderData: data})
	}

	var order []string
	fields := map[string][]string{}
	for _, m := range tokenPattern.FindAllStringSubmatch(f.Content, -1) {
		entity := NormalizeType(m[1])
		if _, seen := fields[entity]; !seen {
			order = append(order, entity)
		}
		if !slices.Contains(fields[entity], m[2]) {
			fields[entity] = append(fields[entity], m[2])
		}
	}
	for _, entity := range order {
		items = append(items, Item{Type: entity, PlaceholderData: map[string]any{
			"name":   fmt.Sprintf("%s placeholder in %s", titleCase(entity), f.Path),
			"fields": fields[entity],
		}})
	}
	return items
}

func camel(s string) string {
	parts := strings.Split(s, "-")
	for i := 1; i < len(parts); i++ {
		parts[i] = titleCase(parts[i])
	}
	return strings.Join(parts, "")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ItemName returns the display name carried by an item's placeholder data.
func ItemName(it Item) string {
	for _, k := range []string{"name", "title"} {
		if s, ok := it.PlaceholderData[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
