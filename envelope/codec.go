package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// wireEnvelope is the JSON shape of an Envelope. Dates inside data travel
// as RFC 3339 strings with nanoseconds; the variant struct types them as
// time.Time, so the schema restores them without loss.
type wireEnvelope struct {
	Type        Type            `json:"type"`
	PublisherID string          `json:"publisherId,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// Encode serializes e. The variant is validated first so that nothing the
// decoder would reject is ever put on the wire.
func Encode(e Envelope) ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("encode envelope: %w", ErrUnknownType)
	}
	if _, ok := newVariant(e.Data.Type()); !ok {
		return nil, fmt.Errorf("encode envelope: %w: %q", ErrUnknownType, e.Data.Type())
	}
	if err := validate.Struct(e.Data); err != nil {
		return nil, fmt.Errorf("encode %q envelope: %w: %s", e.Data.Type(), ErrInvalidData, describe(err))
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %q envelope: %w", e.Data.Type(), err)
	}
	return json.Marshal(wireEnvelope{
		Type:        e.Data.Type(),
		PublisherID: e.PublisherID,
		Data:        data,
	})
}

// EncodeString is Encode for callers that want the wire string.
func EncodeString(e Envelope) (string, error) {
	b, err := Encode(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses and validates a wire payload. Every failure is a
// *DecodeError matching ErrDecode.
func Decode(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, decodeErr("", ErrMalformed, err)
	}
	if w.Type == "" {
		return Envelope{}, decodeErr("", ErrMalformed, fmt.Errorf("missing type"))
	}
	v, ok := newVariant(w.Type)
	if !ok {
		return Envelope{}, decodeErr(w.Type, ErrUnknownType, nil)
	}
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Envelope{}, decodeErr(w.Type, ErrInvalidData, fmt.Errorf("missing data"))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Envelope{}, decodeErr(w.Type, ErrInvalidData, err)
	}
	if err := validate.Struct(v); err != nil {
		return Envelope{}, decodeErr(w.Type, ErrInvalidData, describe(err))
	}
	return Envelope{
		PublisherID: w.PublisherID,
		Data:        deref(v),
	}, nil
}

// DecodeString is Decode for a wire string.
func DecodeString(s string) (Envelope, error) {
	return Decode([]byte(s))
}
