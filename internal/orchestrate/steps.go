package orchestrate

import (
	"fmt"
	"time"

	"agentline/internal/domain"
	"agentline/internal/draft"
)

type dependency struct {
	key      string
	required bool
}

type step struct {
	key        string
	recordType string
	name       string
	deps       []dependency
	reviewKeys []string
	build      func(ids map[string]string) domain.Record
}

// buildPlan expands the playbook steps against the draft. Products become one
// step each ("product:<i>"); the form step is dropped when the draft has no
// form.
func buildPlan(req Request) ([]step, error) {
	d := req.Draft
	var plan []step
	var productKeys []string
	hasForm := false
	for _, name := range req.Steps {
		switch name {
		case domain.RecordEvent:
			plan = append(plan, eventStep(d))
		case domain.RecordProduct:
			for i, p := range d.Products {
				st := productStep(i, p)
				productKeys = append(productKeys, st.key)
				plan = append(plan, st)
			}
		case domain.RecordForm:
			if d.Form != nil {
				plan = append(plan, formStep(*d.Form))
				hasForm = true
			}
		case domain.RecordCheckout:
			plan = append(plan, checkoutStep(d.Checkout, productKeys, hasForm))
		default:
			return nil, fmt.Errorf("playbook %s: unknown step %q", req.Playbook, name)
		}
	}
	return plan, nil
}

func publishStatus(publish bool) string {
	if publish {
		return "published"
	}
	return "draft"
}

func eventStep(d draft.Experience) step {
	ev := d.Event
	return step{
		key:        domain.RecordEvent,
		recordType: domain.RecordEvent,
		name:       ev.Title,
		reviewKeys: []string{"start_date", "end_date", "location", "timezone"},
		build: func(map[string]string) domain.Record {
			props := map[string]any{
				"start_date":           ev.StartDate.UTC().Format(time.RFC3339),
				"end_date":             ev.EndDate.UTC().Format(time.RFC3339),
				"timezone":             ev.Timezone,
				"registration_enabled": ev.RegistrationEnabled,
			}
			if ev.Location != "" {
				props["location"] = ev.Location
			}
			if ev.Capacity != nil {
				props["capacity"] = *ev.Capacity
			}
			if len(ev.Agenda) > 0 {
				props["agenda"] = ev.Agenda
			}
			return domain.Record{
				Type:             domain.RecordEvent,
				Subtype:          "event",
				Name:             ev.Title,
				Description:      ev.Description,
				Status:           publishStatus(ev.Publish),
				CustomProperties: props,
			}
		},
	}
}

func productStep(i int, p draft.ProductDraft) step {
	return step{
		key:        fmt.Sprintf("%s:%d", domain.RecordProduct, i),
		recordType: domain.RecordProduct,
		name:       p.Name,
		deps:       []dependency{{key: domain.RecordEvent}},
		reviewKeys: []string{"price", "currency"},
		build: func(ids map[string]string) domain.Record {
			props := map[string]any{
				"price":    p.PriceMinor,
				"currency": p.Currency,
			}
			if id := ids[domain.RecordEvent]; id != "" {
				props["event_id"] = id
			}
			if p.TicketTier != "" {
				props["ticket_tier"] = p.TicketTier
			}
			if p.Quantity != nil {
				props["quantity"] = *p.Quantity
			}
			return domain.Record{
				Type:             domain.RecordProduct,
				Subtype:          p.Subtype,
				Name:             p.Name,
				Description:      p.Description,
				Status:           "active",
				CustomProperties: props,
			}
		},
	}
}

func formStep(f draft.FormDraft) step {
	return step{
		key:        domain.RecordForm,
		recordType: domain.RecordForm,
		name:       f.Name,
		deps:       []dependency{{key: domain.RecordEvent}},
		reviewKeys: []string{"fields"},
		build: func(ids map[string]string) domain.Record {
			props := map[string]any{"fields": f.Fields}
			if id := ids[domain.RecordEvent]; id != "" {
				props["event_id"] = id
			}
			return domain.Record{
				Type:             domain.RecordForm,
				Subtype:          "registration",
				Name:             f.Name,
				Description:      f.Description,
				Status:           "published",
				CustomProperties: props,
			}
		},
	}
}

// checkoutStep requires the event and every product; the form is optional.
func checkoutStep(c draft.CheckoutDraft, productKeys []string, hasForm bool) step {
	deps := []dependency{{key: domain.RecordEvent, required: true}}
	for _, k := range productKeys {
		deps = append(deps, dependency{key: k, required: true})
	}
	if hasForm {
		deps = append(deps, dependency{key: domain.RecordForm})
	}
	return step{
		key:        domain.RecordCheckout,
		recordType: domain.RecordCheckout,
		name:       c.Name,
		deps:       deps,
		reviewKeys: []string{"payment_mode", "providers"},
		build: func(ids map[string]string) domain.Record {
			productIDs := make([]string, 0, len(productKeys))
			for _, k := range productKeys {
				productIDs = append(productIDs, ids[k])
			}
			props := map[string]any{
				"payment_mode": c.PaymentMode,
				"providers":    c.Providers,
				"event_id":     ids[domain.RecordEvent],
				"product_ids":  productIDs,
			}
			if id := ids[domain.RecordForm]; id != "" {
				props["form_id"] = id
			}
			return domain.Record{
				Type:             domain.RecordCheckout,
				Subtype:          "event",
				Name:             c.Name,
				Status:           publishStatus(c.Publish),
				CustomProperties: props,
			}
		},
	}
}
