// Package draft turns loosely structured conversational payloads into fully
// defaulted experience drafts.
package draft

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"agentline/internal/config"
	"agentline/internal/detect"
)

// Experience is the normalized multi-artifact draft of the event playbook.
type Experience struct {
	Name     string         `json:"name"`
	Event    EventDraft     `json:"event"`
	Products []ProductDraft `json:"products"`
	Form     *FormDraft     `json:"form,omitempty"`
	Checkout CheckoutDraft  `json:"checkout"`
}

type EventDraft struct {
	Title               string    `json:"title"`
	Description         string    `json:"description,omitempty"`
	StartDate           time.Time `json:"start_date"`
	EndDate             time.Time `json:"end_date"`
	Location            string    `json:"location,omitempty"`
	Timezone            string    `json:"timezone"`
	Capacity            *int      `json:"capacity,omitempty"`
	Agenda              []string  `json:"agenda,omitempty"`
	RegistrationEnabled bool      `json:"registration_enabled"`
	Publish             bool      `json:"publish"`
}

type ProductDraft struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceMinor  int64  `json:"price_minor"`
	Currency    string `json:"currency"`
	Subtype     string `json:"subtype"`
	TicketTier  string `json:"ticket_tier,omitempty"`
	Quantity    *int   `json:"quantity,omitempty"`
}

type FormDraft struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Fields      []FormField `json:"fields"`
}

type CheckoutDraft struct {
	Name        string   `json:"name"`
	PaymentMode string   `json:"payment_mode"`
	Providers   []string `json:"providers"`
	Publish     bool     `json:"publish"`
}

// UnsupportedItem is a detected item the playbook declines to automate.
type UnsupportedItem struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

type Result struct {
	Draft            Experience        `json:"draft"`
	UnsupportedItems []UnsupportedItem `json:"unsupported_items"`
}

type Options struct {
	Playbook  string
	Supported []string
	Defaults  config.DraftDefaults
	Now       func() time.Time
}

const (
	PaymentFree = "free"
	PaymentPaid = "paid"

	minDuration = 15 * time.Minute
)

var defaultFields = []FormField{
	{Name: "name", Label: "Full name", Type: "text", Required: true},
	{Name: "email", Label: "Email", Type: "email", Required: true},
}

// Derive never fails: every field has a deterministic fallback.
func Derive(p Payload, opts Options) Result {
	opts = withDefaults(opts)
	now := opts.Now().UTC()
	defaults := opts.Defaults

	items := append([]detect.Item(nil), p.DetectedItems...)
	if len(p.Schema) > 0 || len(p.Files) > 0 {
		schema, err := detect.ParseSchema(p.Schema)
		if err == nil || len(p.Files) > 0 {
			items = append(items, detect.Detect(schema, p.Files).Items()...)
		}
	}
	supported, unsupported := splitItems(items, opts)

	ev := p.Event
	if ev == nil {
		ev = &EventInput{}
	}
	name := firstNonEmpty(p.ExperienceName, p.Name, ev.Title, ev.Name, itemName(supported, "event"), textTitle(p.Text), defaults.FallbackEventName)

	start, ok := parseTime(firstNonEmpty(ev.StartDate, p.StartDate, itemField(supported, "event", "startDate")))
	if !ok {
		start = now.AddDate(0, 0, defaults.LeadDays)
	}
	end := deriveEnd(start, firstNonEmpty(ev.EndDate, p.EndDate, itemField(supported, "event", "endDate")), firstInt(ev.DurationMinutes, p.DurationMinutes), defaults.DurationMinutes)

	currency := strings.ToUpper(firstNonEmpty(p.Currency, defaults.Currency))
	products := deriveProducts(p, supported, name, currency, defaults.MinorUnitCeiling)
	form := deriveForm(p, supported, name)

	event := EventDraft{
		Title:               name,
		Description:         firstNonEmpty(ev.Description, itemField(supported, "event", "description")),
		StartDate:           start,
		EndDate:             end,
		Location:            firstNonEmpty(ev.Location, itemField(supported, "event", "location")),
		Timezone:            firstNonEmpty(ev.Timezone, p.Timezone, defaults.Timezone),
		Capacity:            ev.Capacity,
		Agenda:              ev.Agenda,
		RegistrationEnabled: form != nil,
		Publish:             ev.Publish != nil && *ev.Publish,
	}
	if ev.RegistrationEnabled != nil {
		event.RegistrationEnabled = *ev.RegistrationEnabled
	}

	return Result{
		Draft: Experience{
			Name:     name,
			Event:    event,
			Products: products,
			Form:     form,
			Checkout: deriveCheckout(p.Checkout, supported, name, products, event.Publish, defaults.PaymentProvider),
		},
		UnsupportedItems: unsupported,
	}
}

// Validate enforces the draft invariants the runtime relies on.
func (e Experience) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: experience name required", ErrInvalidPayload)
	}
	if !e.Event.EndDate.After(e.Event.StartDate) {
		return fmt.Errorf("%w: event end must be after start", ErrInvalidPayload)
	}
	if e.Event.EndDate.Sub(e.Event.StartDate) < minDuration {
		return fmt.Errorf("%w: event must last at least %s", ErrInvalidPayload, minDuration)
	}
	if len(e.Products) == 0 {
		return fmt.Errorf("%w: at least one product required", ErrInvalidPayload)
	}
	for _, pr := range e.Products {
		if pr.PriceMinor < 0 {
			return fmt.Errorf("%w: product %q has a negative price", ErrInvalidPayload, pr.Name)
		}
	}
	return nil
}

func withDefaults(opts Options) Options {
	base := config.Default().Drafts
	d := &opts.Defaults
	if d.Currency == "" {
		d.Currency = base.Currency
	}
	if d.Timezone == "" {
		d.Timezone = base.Timezone
	}
	if d.LeadDays <= 0 {
		d.LeadDays = base.LeadDays
	}
	if d.DurationMinutes <= 0 {
		d.DurationMinutes = base.DurationMinutes
	}
	if d.MinorUnitCeiling <= 0 {
		d.MinorUnitCeiling = base.MinorUnitCeiling
	}
	if d.PaymentProvider == "" {
		d.PaymentProvider = base.PaymentProvider
	}
	if d.FallbackEventName == "" {
		d.FallbackEventName = base.FallbackEventName
	}
	if opts.Playbook == "" {
		opts.Playbook = "event"
	}
	if opts.Supported == nil {
		if pb, ok := config.Default().Playbook(opts.Playbook); ok {
			opts.Supported = pb.Supported
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

func splitItems(items []detect.Item, opts Options) ([]detect.Item, []UnsupportedItem) {
	var supported []detect.Item
	unsupported := []UnsupportedItem{}
	for _, it := range items {
		typ := detect.NormalizeType(it.Type)
		if slices.Contains(opts.Supported, typ) {
			it.Type = typ
			supported = append(supported, it)
			continue
		}
		unsupported = append(unsupported, UnsupportedItem{
			Type:   typ,
			Name:   detect.ItemName(it),
			Reason: fmt.Sprintf("the %s playbook does not create %s records; create or link it separately", opts.Playbook, typ),
		})
	}
	return supported, unsupported
}

func deriveEnd(start time.Time, explicit string, duration *int, fallbackMinutes int) time.Time {
	if end, ok := parseTime(explicit); ok && end.After(start) {
		return end
	}
	if duration != nil && *duration > 0 {
		return start.Add(time.Duration(*duration) * time.Minute)
	}
	return start.Add(time.Duration(fallbackMinutes) * time.Minute)
}

func deriveProducts(p Payload, items []detect.Item, name, currency string, ceiling int64) []ProductDraft {
	var products []ProductDraft
	switch {
	case len(p.Products) > 0:
		for _, in := range p.Products {
			products = append(products, ProductDraft{
				Name:        in.Name,
				Description: in.Description,
				PriceMinor:  NormalizePrice(string(in.Price), ceiling),
				Currency:    strings.ToUpper(firstNonEmpty(in.Currency, currency)),
				Subtype:     firstNonEmpty(in.Subtype, "ticket"),
				TicketTier:  in.TicketTier,
			})
		}
	case len(p.TicketTypes) > 0:
		for _, tt := range p.TicketTypes {
			products = append(products, ProductDraft{
				Name:       tt.Name,
				PriceMinor: NormalizePrice(string(tt.Price), ceiling),
				Currency:   currency,
				Subtype:    "ticket",
				TicketTier: firstNonEmpty(tt.Tier, tt.Name),
				Quantity:   tt.Quantity,
			})
		}
	default:
		for _, it := range items {
			if it.Type != "product" && it.Type != "ticket" {
				continue
			}
			products = append(products, ProductDraft{
				Name:        detect.ItemName(it),
				Description: stringField(it.PlaceholderData, "description"),
				PriceMinor:  NormalizePrice(anyString(it.PlaceholderData["price"]), ceiling),
				Currency:    strings.ToUpper(firstNonEmpty(stringField(it.PlaceholderData, "currency"), currency)),
				Subtype:     "ticket",
			})
		}
	}
	if len(products) == 0 {
		return []ProductDraft{{Name: name + " Ticket", Currency: currency, Subtype: "ticket"}}
	}
	for i := range products {
		if strings.TrimSpace(products[i].Name) != "" {
			continue
		}
		if i == 0 {
			products[i].Name = name + " Ticket"
		} else {
			products[i].Name = fmt.Sprintf("%s Ticket %d", name, i+1)
		}
	}
	uniqueProductNames(products)
	return products
}

// uniqueProductNames renames products whose normalized names collide with an
// earlier product, since each product is keyed by its name within a run. The
// ticket tier is tried first, then a positional suffix.
func uniqueProductNames(products []ProductDraft) {
	seen := make(map[string]bool, len(products))
	for i := range products {
		name, tier := products[i].Name, products[i].TicketTier
		if seen[NormalizeName(name)] && tier != "" && NormalizeName(tier) != NormalizeName(name) {
			name = fmt.Sprintf("%s (%s)", products[i].Name, tier)
		}
		for n := i + 1; seen[NormalizeName(name)]; n++ {
			name = fmt.Sprintf("%s (%d)", products[i].Name, n)
		}
		products[i].Name = name
		seen[NormalizeName(name)] = true
	}
}

func deriveForm(p Payload, items []detect.Item, name string) *FormDraft {
	if p.IncludeForm != nil && !*p.IncludeForm {
		return nil
	}
	var in FormInput
	if p.Form != nil {
		if p.Form.Disabled {
			return nil
		}
		in = p.Form.FormInput
	}
	form := &FormDraft{
		Name:        firstNonEmpty(in.Name, itemName(items, "form"), name+" Registration Form"),
		Description: firstNonEmpty(in.Description, itemField(items, "form", "description"), "Registration form for "+name),
		Fields:      in.Fields,
	}
	if len(form.Fields) == 0 {
		form.Fields = itemFormFields(items)
	}
	if len(form.Fields) == 0 {
		form.Fields = append([]FormField(nil), defaultFields...)
	}
	return form
}

func deriveCheckout(in *CheckoutInput, items []detect.Item, name string, products []ProductDraft, publish bool, provider string) CheckoutDraft {
	if in == nil {
		in = &CheckoutInput{}
	}
	mode := PaymentFree
	for _, pr := range products {
		if pr.PriceMinor > 0 {
			mode = PaymentPaid
			break
		}
	}
	if in.PaymentMode == PaymentFree || in.PaymentMode == PaymentPaid {
		mode = in.PaymentMode
	}
	providers := in.Providers
	if len(providers) == 0 {
		providers = []string{}
		if mode == PaymentPaid {
			providers = []string{provider}
		}
	}
	if in.Publish != nil {
		publish = *in.Publish
	}
	return CheckoutDraft{
		Name:        firstNonEmpty(in.Name, itemName(items, "checkout"), name+" Checkout"),
		PaymentMode: mode,
		Providers:   providers,
		Publish:     publish,
	}
}

func itemName(items []detect.Item, typ string) string {
	for _, it := range items {
		if it.Type != typ {
			continue
		}
		if n := detect.ItemName(it); n != "" {
			return n
		}
	}
	return ""
}

func itemField(items []detect.Item, typ, field string) string {
	for _, it := range items {
		if it.Type != typ {
			continue
		}
		if v := stringField(it.PlaceholderData, field); v != "" {
			return v
		}
	}
	return ""
}

func itemFormFields(items []detect.Item) []FormField {
	for _, it := range items {
		if it.Type != "form" {
			continue
		}
		var raw []any
		switch v := it.PlaceholderData["fields"].(type) {
		case []any:
			raw = v
		case []string:
			for _, f := range v {
				raw = append(raw, f)
			}
		default:
			continue
		}
		var fields []FormField
		for _, f := range raw {
			switch v := f.(type) {
			case string:
				fields = append(fields, FormField{Name: v, Label: v, Type: "text"})
			case map[string]any:
				fname := firstNonEmpty(stringField(v, "name"), stringField(v, "label"))
				if fname == "" {
					continue
				}
				required, _ := v["required"].(bool)
				fields = append(fields, FormField{
					Name:     fname,
					Label:    firstNonEmpty(stringField(v, "label"), fname),
					Type:     firstNonEmpty(stringField(v, "type"), "text"),
					Required: required,
				})
			}
		}
		if len(fields) > 0 {
			return fields
		}
	}
	return nil
}

// textTitle uses free text as a title only when it is one short line.
func textTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > 80 || strings.ContainsAny(text, "\r\n") {
		return ""
	}
	return text
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func anyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
