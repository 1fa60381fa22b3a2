package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrDecode matches every error returned by Decode.
	ErrDecode = errors.New("envelope: decode failed")

	// ErrMalformed is returned when the input is not a well-formed envelope.
	ErrMalformed = errors.New("malformed envelope")

	// ErrUnknownType is returned when "type" names no known variant.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidData is returned when "data" does not satisfy its variant.
	ErrInvalidData = errors.New("invalid message data")
)

// DecodeError describes why a wire payload was rejected.
type DecodeError struct {
	Type Type
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("decode %q envelope: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

func decodeErr(t Type, kind error, cause error) error {
	if cause == nil {
		return &DecodeError{Type: t, Err: kind}
	}
	return &DecodeError{Type: t, Err: fmt.Errorf("%w: %s", kind, cause.Error())}
}

// describe flattens validator output into "field: rule" pairs.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, ", "))
}
