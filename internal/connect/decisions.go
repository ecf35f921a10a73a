package connect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"agentline/internal/detect"
)

var ErrInvalidDecisions = errors.New("invalid decisions")

// Decision actions.
const (
	ActionCreate = "create"
	ActionLink   = "link"
	ActionSkip   = "skip"
)

type Decision struct {
	ItemID         string         `json:"item_id" validate:"required"`
	Action         string         `json:"action" validate:"required,oneof=create link skip"`
	LinkedRecordID string         `json:"linked_record_id,omitempty" validate:"required_if=Action link"`
	Overrides      map[string]any `json:"overrides,omitempty"`
}

// DecisionError lists every problem found in a rejected batch.
type DecisionError struct {
	Details []string
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidDecisions, strings.Join(e.Details, "; "))
}

func (e *DecisionError) Unwrap() error { return ErrInvalidDecisions }

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateDecisions checks the whole batch before any side effect. Decisions
// must be well formed, name detected items, and appear at most once per item.
func ValidateDecisions(items []detect.Item, decisions []Decision) error {
	known := make(map[string]struct{}, len(items))
	for _, it := range items {
		known[it.ID] = struct{}{}
	}
	seen := map[string]struct{}{}
	var details []string
	for i, d := range decisions {
		if err := validate.Struct(d); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					details = append(details, fmt.Sprintf("decisions[%d].%s: failed %s", i, fe.Field(), fe.Tag()))
				}
			} else {
				details = append(details, fmt.Sprintf("decisions[%d]: %v", i, err))
			}
			continue
		}
		if _, ok := known[d.ItemID]; !ok {
			details = append(details, fmt.Sprintf("decisions[%d]: unknown item %s", i, d.ItemID))
		}
		if _, dup := seen[d.ItemID]; dup {
			details = append(details, fmt.Sprintf("decisions[%d]: item %s decided twice", i, d.ItemID))
		}
		seen[d.ItemID] = struct{}{}
	}
	if len(details) > 0 {
		return &DecisionError{Details: details}
	}
	return nil
}
