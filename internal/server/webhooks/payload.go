package webhooks

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/dmitrijs2005/optipress/internal/common"
)

// Provider event types the reconciler acts on.
const (
	EventSubscriptionCreated = "subscription.created"
	EventPaymentCompleted    = "payment.completed"
	EventLicenseActivated    = "license.activated"
	EventUserCreated         = "user.created"
)

// flexString accepts both JSON strings and numbers; provider ids come as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type payload struct {
	ID    flexString `json:"id"`
	Event string     `json:"event"`
	Type  string     `json:"type"`
	User  *struct {
		Email string `json:"email"`
	} `json:"user"`
	PlanID flexString `json:"plan_id"`
	Plan   *struct {
		ID   flexString `json:"id"`
		Name string     `json:"name"`
	} `json:"plan"`
	License *struct {
		Key string `json:"key"`
	} `json:"license"`
}

// Event is a provider delivery reduced to the fields the ledger cares about.
type Event struct {
	ID         string
	Type       string
	Email      string
	PlanID     string
	PlanName   string
	LicenseKey string
	Raw        []byte
}

// ParseEvent decodes a provider payload. Malformed JSON is an ErrValidation.
func ParseEvent(raw []byte) (*Event, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, common.Validationf("malformed webhook payload: %v", err)
	}

	ev := &Event{
		ID:   strings.TrimSpace(string(p.ID)),
		Type: strings.TrimSpace(p.Event),
		Raw:  raw,
	}
	if ev.Type == "" {
		ev.Type = strings.TrimSpace(p.Type)
	}
	if p.User != nil {
		ev.Email = strings.ToLower(strings.TrimSpace(p.User.Email))
	}
	ev.PlanID = strings.TrimSpace(string(p.PlanID))
	if p.Plan != nil {
		if ev.PlanID == "" {
			ev.PlanID = strings.TrimSpace(string(p.Plan.ID))
		}
		ev.PlanName = strings.TrimSpace(p.Plan.Name)
	}
	if p.License != nil {
		ev.LicenseKey = strings.TrimSpace(p.License.Key)
	}
	return ev, nil
}

// Fingerprint identifies a delivery for deduplication: type|email|id, or
// type|email|sha256(raw) when the provider sent no event id.
func (e *Event) Fingerprint() string {
	id := e.ID
	if id == "" {
		id = common.SHA256Hex(e.Raw)
	}
	return common.SHA256Hex([]byte(e.Type + "|" + e.Email + "|" + id))
}

// peekType extracts the event type without full validation.
func peekType(raw []byte) string {
	ev, err := ParseEvent(raw)
	if err != nil {
		return ""
	}
	return ev.Type
}
