package envelope

import "time"

// ChatMessage is a message posted in the chat attached to a transaction.
type ChatMessage struct {
	ID            string `json:"id" validate:"required"`
	Message       string `json:"message" validate:"required"`
	ListingID     string `json:"listingId" validate:"required"`
	TransactionID string `json:"transactionId" validate:"required"`

	// UserID is nil when the author is an anonymous buyer.
	UserID *string `json:"userId"`

	CreatedAt time.Time `json:"createdAt" validate:"required"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
}

func (ChatMessage) Type() Type { return TypeChatMessage }

func (m ChatMessage) accept(v Visitor) { v.VisitChatMessage(m) }

// TicketPurchase announces that the tickets of a transaction were paid for.
type TicketPurchase struct {
	TransactionID string `json:"transactionId" validate:"required"`
}

func (TicketPurchase) Type() Type { return TypeTicketPurchase }

func (p TicketPurchase) accept(v Visitor) { v.VisitTicketPurchase(p) }

// deref turns the pointer produced by newVariant back into the value form
// that callers construct and compare against.
func deref(v Variant) Variant {
	switch t := v.(type) {
	case *ChatMessage:
		return *t
	case *TicketPurchase:
		return *t
	}
	return v
}
