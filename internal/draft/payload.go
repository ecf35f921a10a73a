package draft

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"agentline/internal/detect"
)

var ErrInvalidPayload = errors.New("invalid payload")

// PayloadError lists the schema violations of a rejected payload.
type PayloadError struct {
	Details []string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", strings.Join(e.Details, "; "))
}

func (e *PayloadError) Unwrap() error { return ErrInvalidPayload }

// Payload is the conversational input of the event playbook. Every field is
// optional.
type Payload struct {
	Text            string            `json:"text,omitempty"`
	ExperienceName  string            `json:"experienceName,omitempty"`
	Name            string            `json:"name,omitempty"`
	Event           *EventInput       `json:"event,omitempty"`
	StartDate       string            `json:"startDate,omitempty"`
	EndDate         string            `json:"endDate,omitempty"`
	DurationMinutes *int              `json:"durationMinutes,omitempty"`
	Products        []ProductInput    `json:"products,omitempty"`
	TicketTypes     []TicketTypeInput `json:"ticketTypes,omitempty"`
	IncludeForm     *bool             `json:"includeForm,omitempty"`
	Form            *FormOption       `json:"form,omitempty"`
	Checkout        *CheckoutInput    `json:"checkout,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	Timezone        string            `json:"timezone,omitempty"`
	Schema          json.RawMessage   `json:"schema,omitempty"`
	Files           []detect.File     `json:"files,omitempty"`
	DetectedItems   []detect.Item     `json:"detectedItems,omitempty"`
}

type EventInput struct {
	Title               string   `json:"title,omitempty"`
	Name                string   `json:"name,omitempty"`
	Description         string   `json:"description,omitempty"`
	StartDate           string   `json:"startDate,omitempty"`
	EndDate             string   `json:"endDate,omitempty"`
	DurationMinutes     *int     `json:"durationMinutes,omitempty"`
	Location            string   `json:"location,omitempty"`
	Timezone            string   `json:"timezone,omitempty"`
	Capacity            *int     `json:"capacity,omitempty"`
	Agenda              []string `json:"agenda,omitempty"`
	RegistrationEnabled *bool    `json:"registrationEnabled,omitempty"`
	Publish             *bool    `json:"publish,omitempty"`
}

type ProductInput struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Price       Amount `json:"price,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Subtype     string `json:"subtype,omitempty"`
	TicketTier  string `json:"ticketTier,omitempty"`
}

type TicketTypeInput struct {
	Name     string `json:"name,omitempty"`
	Price    Amount `json:"price,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Quantity *int   `json:"quantity,omitempty"`
}

type FormInput struct {
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Fields      []FormField `json:"fields,omitempty"`
}

type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// FormOption is either `false` (no form) or a form object.
type FormOption struct {
	Disabled bool
	FormInput
}

func (f *FormOption) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch string(trimmed) {
	case "false":
		f.Disabled = true
		return nil
	case "true", "null":
		return nil
	}
	return json.Unmarshal(trimmed, &f.FormInput)
}

func (f FormOption) MarshalJSON() ([]byte, error) {
	if f.Disabled {
		return []byte("false"), nil
	}
	return json.Marshal(f.FormInput)
}

type CheckoutInput struct {
	Name        string   `json:"name,omitempty"`
	PaymentMode string   `json:"paymentMode,omitempty"`
	Providers   []string `json:"providers,omitempty"`
	Publish     *bool    `json:"publish,omitempty"`
}

// Amount is a price given either as a JSON number or a string such as
// "$1,250.00". It keeps the raw text; NormalizePrice interprets it.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*a = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	*a = Amount(trimmed)
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(string(a), 64); err == nil {
		return []byte(a), nil
	}
	return json.Marshal(string(a))
}

const payloadSchema = `{
  "type": "object",
  "properties": {
    "text": {"type": "string"},
    "experienceName": {"type": "string"},
    "name": {"type": "string"},
    "event": {
      "type": "object",
      "properties": {
        "title": {"type": "string"},
        "name": {"type": "string"},
        "description": {"type": "string"},
        "startDate": {"type": "string"},
        "endDate": {"type": "string"},
        "durationMinutes": {"type": "integer"},
        "location": {"type": "string"},
        "timezone": {"type": "string"},
        "capacity": {"type": "integer"},
        "agenda": {"type": "array", "items": {"type": "string"}},
        "registrationEnabled": {"type": "boolean"},
        "publish": {"type": "boolean"}
      }
    },
    "startDate": {"type": "string"},
    "endDate": {"type": "string"},
    "durationMinutes": {"type": "integer"},
    "products": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "description": {"type": "string"},
          "price": {"type": ["number", "string", "null"]},
          "currency": {"type": "string"},
          "subtype": {"type": "string"},
          "ticketTier": {"type": "string"}
        }
      }
    },
    "ticketTypes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "price": {"type": ["number", "string", "null"]},
          "tier": {"type": "string"},
          "quantity": {"type": "integer"}
        }
      }
    },
    "includeForm": {"type": "boolean"},
    "form": {"type": ["boolean", "object", "null"]},
    "checkout": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "paymentMode": {"type": "string", "enum": ["free", "paid"]},
        "providers": {"type": "array", "items": {"type": "string"}},
        "publish": {"type": "boolean"}
      }
    },
    "currency": {"type": "string"},
    "timezone": {"type": "string"},
    "schema": {"type": ["object", "null"]},
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path"],
        "properties": {"path": {"type": "string"}, "content": {"type": "string"}}
      }
    },
    "detectedItems": {"type": "array", "items": {"type": "object"}}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(payloadSchema)

// Decode validates raw JSON against the playbook payload schema and decodes
// it. A bare JSON string is taken as free text; empty input is an empty
// payload. Unknown fields are ignored.
func Decode(data []byte) (Payload, error) {
	var p Payload
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return p, nil
	}
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &p.Text); err != nil {
			return p, &PayloadError{Details: []string{err.Error()}}
		}
		return p, nil
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return p, &PayloadError{Details: []string{err.Error()}}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return p, &PayloadError{Details: details}
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return p, &PayloadError{Details: []string{err.Error()}}
	}
	return p, nil
}
