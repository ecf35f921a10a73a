package connect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"agentline/internal/domain"
	"agentline/internal/draft"
)

// NotAutoCreatableError marks detected types that have no creation routine.
type NotAutoCreatableError struct {
	Type string
}

func (e *NotAutoCreatableError) Error() string {
	return fmt.Sprintf("%s records are not yet auto-createable; create it manually and link it", e.Type)
}

type builder func(data map[string]any, opts buildOptions) (domain.Record, error)

type buildOptions struct {
	currency     string
	priceCeiling int64
}

var builders = map[string]builder{
	domain.RecordEvent:    buildEvent,
	domain.RecordProduct:  buildProduct,
	domain.RecordForm:     buildForm,
	domain.RecordCheckout: buildCheckout,
	domain.RecordContact:  buildContact,
	domain.RecordInvoice:  buildInvoice,
}

// merge overlays overrides on placeholder data; overrides win.
func merge(placeholder, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(placeholder)+len(overrides))
	for k, v := range placeholder {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func str(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func raw(v any) string {
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

func requireName(data map[string]any, recordType string) (string, error) {
	name := str(data, "name", "title")
	if name == "" {
		return "", fmt.Errorf("%s needs a name; pass one in overrides", recordType)
	}
	return name, nil
}

func buildEvent(data map[string]any, _ buildOptions) (domain.Record, error) {
	name, err := requireName(data, domain.RecordEvent)
	if err != nil {
		return domain.Record{}, err
	}
	props := map[string]any{}
	for _, k := range []string{"startDate", "endDate", "location", "timezone"} {
		if v := str(data, k); v != "" {
			props[snake(k)] = v
		}
	}
	return domain.Record{
		Type:             domain.RecordEvent,
		Subtype:          "event",
		Name:             name,
		Description:      str(data, "description"),
		Status:           "draft",
		CustomProperties: props,
	}, nil
}

func buildProduct(data map[string]any, opts buildOptions) (domain.Record, error) {
	name, err := requireName(data, domain.RecordProduct)
	if err != nil {
		return domain.Record{}, err
	}
	currency := strings.ToUpper(str(data, "currency"))
	if currency == "" {
		currency = opts.currency
	}
	return domain.Record{
		Type:        domain.RecordProduct,
		Subtype:     "ticket",
		Name:        name,
		Description: str(data, "description"),
		Status:      "active",
		CustomProperties: map[string]any{
			"price":    draft.NormalizePrice(raw(data["price"]), opts.priceCeiling),
			"currency": currency,
		},
	}, nil
}

func buildForm(data map[string]any, _ buildOptions) (domain.Record, error) {
	name, err := requireName(data, domain.RecordForm)
	if err != nil {
		return domain.Record{}, err
	}
	props := map[string]any{}
	if fields, ok := data["fields"]; ok {
		props["fields"] = fields
	}
	return domain.Record{
		Type:             domain.RecordForm,
		Subtype:          "registration",
		Name:             name,
		Description:      str(data, "description"),
		Status:           "published",
		CustomProperties: props,
	}, nil
}

func buildCheckout(data map[string]any, _ buildOptions) (domain.Record, error) {
	name, err := requireName(data, domain.RecordCheckout)
	if err != nil {
		return domain.Record{}, err
	}
	mode := str(data, "paymentMode")
	if mode != draft.PaymentPaid {
		mode = draft.PaymentFree
	}
	return domain.Record{
		Type:             domain.RecordCheckout,
		Subtype:          "standalone",
		Name:             name,
		Status:           "draft",
		CustomProperties: map[string]any{"payment_mode": mode},
	}, nil
}

func buildContact(data map[string]any, _ buildOptions) (domain.Record, error) {
	name := str(data, "name", "fullName")
	email := str(data, "email")
	if name == "" && email == "" {
		return domain.Record{}, errors.New("contact needs a name or an email; pass one in overrides")
	}
	if name == "" {
		name = email
	}
	props := map[string]any{}
	if email != "" {
		props["email"] = email
	}
	if role := str(data, "role"); role != "" {
		props["role"] = role
	}
	return domain.Record{
		Type:             domain.RecordContact,
		Subtype:          "person",
		Name:             name,
		Status:           "active",
		CustomProperties: props,
	}, nil
}

func buildInvoice(data map[string]any, opts buildOptions) (domain.Record, error) {
	name, err := requireName(data, domain.RecordInvoice)
	if err != nil {
		return domain.Record{}, err
	}
	props := map[string]any{
		"amount":   draft.NormalizePrice(raw(data["amount"]), opts.priceCeiling),
		"currency": opts.currency,
	}
	if c := str(data, "customer"); c != "" {
		props["customer"] = c
	}
	if due := str(data, "dueDate"); due != "" {
		props["due_date"] = due
	}
	return domain.Record{
		Type:             domain.RecordInvoice,
		Subtype:          "standard",
		Name:             name,
		Status:           "draft",
		CustomProperties: props,
	}, nil
}

func snake(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
