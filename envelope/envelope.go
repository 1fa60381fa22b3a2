// Package envelope defines the typed messages exchanged over the relay and
// the codec that moves them on and off the wire.
//
// The set of message kinds is closed. Each kind is a Go struct implementing
// Variant; the unexported accept method keeps other packages from adding
// kinds of their own. Adding a kind means adding a struct, a Type constant,
// a case in newVariant and a method on Visitor, and every Visitor
// implementation then fails to compile until it handles the new kind.
package envelope

// Type is the discriminant carried in the "type" field of every envelope.
type Type string

const (
	TypeChatMessage    = Type("chatMessage")
	TypeTicketPurchase = Type("ticketPurchase")
)

// Types lists every known variant discriminant.
func Types() []Type {
	return []Type{TypeChatMessage, TypeTicketPurchase}
}

// Variant is one case of the closed message union.
type Variant interface {
	Type() Type
	accept(Visitor)
}

// Visitor receives the concrete variant held by an Envelope.
type Visitor interface {
	VisitChatMessage(ChatMessage)
	VisitTicketPurchase(TicketPurchase)
}

// Envelope is the unit of transport.
type Envelope struct {

	// PublisherID identifies the browser session that produced the envelope.
	// Server-side emitters may leave it empty.
	PublisherID string

	// Data holds the variant payload; its Type is the envelope's type.
	Data Variant
}

// New wraps data with the given publisher identity.
func New(publisherID string, data Variant) Envelope {
	return Envelope{
		PublisherID: publisherID,
		Data:        data,
	}
}

// Type returns the discriminant of the held variant, or "" if there is none.
func (e Envelope) Type() Type {
	if e.Data == nil {
		return ""
	}
	return e.Data.Type()
}

// Accept dispatches the held variant to the matching Visitor method.
func (e Envelope) Accept(v Visitor) {
	if e.Data == nil {
		return
	}
	e.Data.accept(v)
}

// newVariant returns a pointer to a zero value of the variant registered
// for t, ready to be unmarshaled into.
func newVariant(t Type) (Variant, bool) {
	switch t {
	case TypeChatMessage:
		return &ChatMessage{}, true
	case TypeTicketPurchase:
		return &TicketPurchase{}, true
	}
	return nil, false
}
