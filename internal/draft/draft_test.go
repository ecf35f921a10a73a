package draft

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentline/internal/detect"
)

var fixedNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func derive(p Payload) Result {
	return Derive(p, Options{Now: func() time.Time { return fixedNow }})
}

func TestDeriveEmptyPayloadUsesDefaults(t *testing.T) {
	res := derive(Payload{})
	d := res.Draft

	assert.Equal(t, "New Event Experience", d.Name)
	assert.Equal(t, fixedNow.AddDate(0, 0, 7), d.Event.StartDate)
	assert.Equal(t, 120*time.Minute, d.Event.EndDate.Sub(d.Event.StartDate))
	assert.Equal(t, "UTC", d.Event.Timezone)
	require.Len(t, d.Products, 1)
	assert.Equal(t, "New Event Experience Ticket", d.Products[0].Name)
	assert.Equal(t, int64(0), d.Products[0].PriceMinor)
	assert.Equal(t, "USD", d.Products[0].Currency)
	require.NotNil(t, d.Form)
	assert.Len(t, d.Form.Fields, 2)
	assert.True(t, d.Event.RegistrationEnabled)
	assert.Equal(t, PaymentFree, d.Checkout.PaymentMode)
	assert.Empty(t, d.Checkout.Providers)
	assert.Equal(t, "New Event Experience Checkout", d.Checkout.Name)
	assert.Empty(t, res.UnsupportedItems)
	require.NoError(t, d.Validate())
}

func TestDerivePaidTicketsSelectProvider(t *testing.T) {
	res := derive(Payload{
		Event:       &EventInput{Title: "Gala", StartDate: "2030-01-10T19:00:00Z"},
		TicketTypes: []TicketTypeInput{{Name: "VIP", Price: "49.5"}, {Name: "Standard"}},
	})
	d := res.Draft

	require.Len(t, d.Products, 2)
	assert.Equal(t, int64(4950), d.Products[0].PriceMinor)
	assert.Equal(t, "VIP", d.Products[0].TicketTier)
	assert.Equal(t, int64(0), d.Products[1].PriceMinor)
	assert.Equal(t, PaymentPaid, d.Checkout.PaymentMode)
	assert.Equal(t, []string{"stripe"}, d.Checkout.Providers)
}

func TestDeriveLaunchPartyDefaults(t *testing.T) {
	res := derive(Payload{Event: &EventInput{Title: "Launch Party", StartDate: "2025-06-01T18:00:00Z"}})
	d := res.Draft

	start := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, "Launch Party", d.Name)
	assert.Equal(t, start, d.Event.StartDate)
	assert.Equal(t, start.Add(2*time.Hour), d.Event.EndDate)
	require.Len(t, d.Products, 1)
	assert.Equal(t, "Launch Party Ticket", d.Products[0].Name)
	assert.Equal(t, int64(0), d.Products[0].PriceMinor)
	require.NotNil(t, d.Form)
	assert.Equal(t, "Launch Party Registration Form", d.Form.Name)
	assert.Equal(t, "Launch Party Checkout", d.Checkout.Name)
	assert.Equal(t, PaymentFree, d.Checkout.PaymentMode)
	require.NoError(t, d.Validate())
}

func TestDeriveMakesProductNamesUnique(t *testing.T) {
	res := derive(Payload{
		Event: &EventInput{Title: "Gala", StartDate: "2030-01-10T19:00:00Z"},
		TicketTypes: []TicketTypeInput{
			{Name: "GA", Price: "10"},
			{Name: "ga!", Price: "20"},
			{Name: "Entry", Price: "30", Tier: "Early"},
			{Name: "Entry", Price: "40", Tier: "Early"},
		},
	})
	d := res.Draft

	require.Len(t, d.Products, 4)
	names := make([]string, 0, len(d.Products))
	keys := map[string]bool{}
	for _, p := range d.Products {
		names = append(names, p.Name)
		keys[NormalizeName(p.Name)] = true
	}
	assert.Equal(t, []string{"GA", "ga! (2)", "Entry", "Entry (Early)"}, names)
	assert.Len(t, keys, 4)
	assert.Equal(t, []int64{1000, 2000, 3000, 4000}, []int64{
		d.Products[0].PriceMinor, d.Products[1].PriceMinor, d.Products[2].PriceMinor, d.Products[3].PriceMinor,
	})
	require.NoError(t, d.Validate())
}

func TestDeriveReadsStringFormFieldsFromDetectedItems(t *testing.T) {
	res := derive(Payload{
		Name: "Open Day",
		DetectedItems: []detect.Item{
			{ID: "signup:form:0", Type: "form", PlaceholderData: map[string]any{
				"name":   "Visitor Signup",
				"fields": []string{"name", "email", "phone"},
			}},
		},
	})

	require.NotNil(t, res.Draft.Form)
	assert.Equal(t, "Visitor Signup", res.Draft.Form.Name)
	var got []string
	for _, f := range res.Draft.Form.Fields {
		got = append(got, f.Name)
	}
	assert.Equal(t, []string{"name", "email", "phone"}, got)
}

func TestDeriveFormCanBeDisabled(t *testing.T) {
	res := derive(Payload{Text: "Summer BBQ", Form: &FormOption{Disabled: true}})

	assert.Equal(t, "Summer BBQ", res.Draft.Name)
	assert.Nil(t, res.Draft.Form)
	assert.False(t, res.Draft.Event.RegistrationEnabled)
}

func TestDeriveIgnoresEndBeforeStart(t *testing.T) {
	res := derive(Payload{Event: &EventInput{
		Title:     "Workshop",
		StartDate: "2030-02-01T09:00:00Z",
		EndDate:   "2030-02-01T08:00:00Z",
	}})

	start := time.Date(2030, 2, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, start, res.Draft.Event.StartDate)
	assert.Equal(t, start.Add(120*time.Minute), res.Draft.Event.EndDate)
}

func TestDeriveSplitsUnsupportedDetectedItems(t *testing.T) {
	res := derive(Payload{
		Name: "Conference",
		DetectedItems: []detect.Item{
			{ID: "team:contact:0", Type: "speaker", PlaceholderData: map[string]any{"name": "Ada"}},
			{ID: "pricing:ticket:0", Type: "tickets", PlaceholderData: map[string]any{"name": "Early bird", "price": "20"}},
		},
	})

	require.Len(t, res.UnsupportedItems, 1)
	assert.Equal(t, "contact", res.UnsupportedItems[0].Type)
	assert.Equal(t, "Ada", res.UnsupportedItems[0].Name)
	require.Len(t, res.Draft.Products, 1)
	assert.Equal(t, "Early bird", res.Draft.Products[0].Name)
	assert.Equal(t, int64(2000), res.Draft.Products[0].PriceMinor)
}

func TestDeriveReadsEventFromAppSchema(t *testing.T) {
	schema := json.RawMessage(`{"sections":[{"id":"hero","type":"hero","props":{"title":"Spring Fair","date":"2030-04-01T10:00:00Z","venue":"Town Hall"}}]}`)
	res := derive(Payload{Schema: schema})

	assert.Equal(t, "Spring Fair", res.Draft.Name)
	assert.Equal(t, time.Date(2030, 4, 1, 10, 0, 0, 0, time.UTC), res.Draft.Event.StartDate)
	assert.Equal(t, "Town Hall", res.Draft.Event.Location)
}

func TestValidateRejectsBrokenDrafts(t *testing.T) {
	start := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	valid := Experience{
		Name:     "Party",
		Event:    EventDraft{StartDate: start, EndDate: start.Add(time.Hour)},
		Products: []ProductDraft{{Name: "Ticket"}},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Experience)
	}{
		{"blank name", func(e *Experience) { e.Name = "  " }},
		{"end equals start", func(e *Experience) { e.Event.EndDate = start }},
		{"too short", func(e *Experience) { e.Event.EndDate = start.Add(5 * time.Minute) }},
		{"no products", func(e *Experience) { e.Products = nil }},
		{"negative price", func(e *Experience) { e.Products = []ProductDraft{{Name: "x", PriceMinor: -1}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := valid
			exp.Products = append([]ProductDraft(nil), valid.Products...)
			tt.mutate(&exp)
			assert.ErrorIs(t, exp.Validate(), ErrInvalidPayload)
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{"25", 2500},
		{"19.99", 1999},
		{"49.99", 4999},
		{"9999", 999900},
		{"1e3", 100000},
		{"2.5E1", 2500},
		{" 12 ", 1200},
		{"$1,250.00", 125000},
		{"10000", 1000000},
		{"15000", 15000},
		{"0", 0},
		{"-5", 0},
		{"free", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePrice(tt.raw, 10000), tt.raw)
	}
}

func TestNormalizeNameAndNaturalKey(t *testing.T) {
	assert.Equal(t, "the big launch", NormalizeName("  The  Big-Launch! "))
	assert.Equal(t, NaturalKey("org-a", "event", "Launch Party"), NaturalKey("org-a", "event", "launch   party!"))
	assert.NotEqual(t, NaturalKey("org-a", "event", "Launch Party"), NaturalKey("org-b", "event", "Launch Party"))
}

func TestDecode(t *testing.T) {
	p, err := Decode([]byte(`"Summer BBQ"`))
	require.NoError(t, err)
	assert.Equal(t, "Summer BBQ", p.Text)

	p, err = Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, p.Event)

	p, err = Decode([]byte(`{"form": false, "products": [{"name": "Entry", "price": "$1,250.00"}, {"price": 12}]}`))
	require.NoError(t, err)
	require.NotNil(t, p.Form)
	assert.True(t, p.Form.Disabled)
	require.Len(t, p.Products, 2)
	assert.Equal(t, Amount("$1,250.00"), p.Products[0].Price)
	assert.Equal(t, Amount("12"), p.Products[1].Price)

	_, err = Decode([]byte(`{"event": {"capacity": "lots"}}`))
	var perr *PayloadError
	require.True(t, errors.As(err, &perr))
	assert.NotEmpty(t, perr.Details)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
