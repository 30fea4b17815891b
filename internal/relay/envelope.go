package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lancon/relay/internal/user"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrEmptyRecipient    = errors.New("recipient is required")
	ErrSelfAddressed     = errors.New("recipient equals sender")
	ErrEmptyMessage      = errors.New("message is empty")
)

// Envelope is a client request to deliver Message to To.
type Envelope struct {
	To      user.Identity `json:"to"`
	Message string        `json:"message"`
	Lang    bool          `json:"lang"`
}

// Delivery is what the recipient's connection receives.
type Delivery struct {
	From    user.Identity `json:"from"`
	Message string        `json:"message"`
}

type wireEnvelope struct {
	To      *string `json:"to"`
	Message *string `json:"message"`
	Lang    *bool   `json:"lang"`
}

// DecodeEnvelope parses one inbound text frame. "to" and "message" must be
// present and strings; "lang" is optional. Unknown fields are ignored.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.To == nil || w.Message == nil {
		return Envelope{}, fmt.Errorf("%w: to and message are required", ErrMalformedEnvelope)
	}
	env := Envelope{To: user.Identity(*w.To), Message: *w.Message}
	if w.Lang != nil {
		env.Lang = *w.Lang
	}
	return env, nil
}

// Validate rejects envelopes the router never delivers: no recipient, a
// recipient equal to the sender, or a blank message.
func (e Envelope) Validate(sender user.Identity) error {
	switch {
	case e.To == "":
		return ErrEmptyRecipient
	case e.To == sender:
		return ErrSelfAddressed
	case strings.TrimSpace(e.Message) == "":
		return ErrEmptyMessage
	}
	return nil
}

func EncodeDelivery(d Delivery) ([]byte, error) {
	return json.Marshal(d)
}
