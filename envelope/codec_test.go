package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func sampleChat() ChatMessage {
	return ChatMessage{
		ID:            "m1",
		Message:       "hi",
		ListingID:     "lst_1",
		TransactionID: "txn_1",
		UserID:        strPtr("user_1"),
		CreatedAt:     time.Date(2024, 3, 9, 17, 4, 5, 123456789, time.UTC),
		UpdatedAt:     time.Date(2024, 3, 9, 17, 4, 6, 1, time.UTC),
	}
}

func TestRoundTrip_AllVariants(t *testing.T) {
	anonymous := sampleChat()
	anonymous.UserID = nil

	cases := []Envelope{
		New("pub-A", sampleChat()),
		New("pub-B", anonymous),
		New("pub-A", TicketPurchase{TransactionID: "txn_1"}),
		New("", TicketPurchase{TransactionID: "txn_2"}),
	}

	for _, env := range cases {
		t.Run(string(env.Type())+"/"+env.PublisherID, func(t *testing.T) {
			raw, err := Encode(env)
			require.NoError(t, err)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, env, decoded)
		})
	}
}

func TestRoundTrip_PreservesDatesInOtherZones(t *testing.T) {
	zone := time.FixedZone("UTC-5", -5*60*60)
	msg := sampleChat()
	msg.CreatedAt = time.Date(2023, 12, 31, 23, 59, 59, 999999999, zone)
	msg.UpdatedAt = msg.CreatedAt.Add(time.Nanosecond)

	raw, err := Encode(New("pub-A", msg))
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	got, ok := decoded.Data.(ChatMessage)
	require.True(t, ok)
	assert.True(t, got.CreatedAt.Equal(msg.CreatedAt), "createdAt %s != %s", got.CreatedAt, msg.CreatedAt)
	assert.True(t, got.UpdatedAt.Equal(msg.UpdatedAt))
	_, offset := got.CreatedAt.Zone()
	assert.Equal(t, -5*60*60, offset)
}

func TestEncode_WireShape(t *testing.T) {
	raw, err := Encode(New("pub-A", TicketPurchase{TransactionID: "txn_1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ticketPurchase","publisherId":"pub-A","data":{"transactionId":"txn_1"}}`, string(raw))
}

func TestEncode_RejectsInvalidVariant(t *testing.T) {
	_, err := Encode(New("pub-A", TicketPurchase{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = Encode(Envelope{PublisherID: "pub-A"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode_AcceptsPushWithoutPublisher(t *testing.T) {
	env, err := DecodeString(`{"type":"ticketPurchase","data":{"transactionId":"txn_1"}}`)
	require.NoError(t, err)
	assert.Equal(t, TypeTicketPurchase, env.Type())
	assert.Equal(t, "", env.PublisherID)
	assert.Equal(t, TicketPurchase{TransactionID: "txn_1"}, env.Data)
}

func TestDecode_ToleratesUnknownFields(t *testing.T) {
	env, err := DecodeString(`{"type":"ticketPurchase","extra":1,"data":{"transactionId":"txn_1","note":"x"}}`)
	require.NoError(t, err)
	assert.Equal(t, TicketPurchase{TransactionID: "txn_1"}, env.Data)
}

func TestDecode_Failures(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind error
	}{
		{"empty", ``, ErrMalformed},
		{"not json", `hello`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"json string", `"hi"`, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"missing type", `{"data":{"transactionId":"txn_1"}}`, ErrMalformed},
		{"type not a string", `{"type":7,"data":{}}`, ErrMalformed},
		{"bogus type", `{"type":"bogus"}`, ErrUnknownType},
		{"bogus type with data", `{"type":"bogus","data":{"transactionId":"txn_1"}}`, ErrUnknownType},
		{"missing data", `{"type":"ticketPurchase"}`, ErrInvalidData},
		{"null data", `{"type":"ticketPurchase","data":null}`, ErrInvalidData},
		{"data not an object", `{"type":"ticketPurchase","data":"txn_1"}`, ErrInvalidData},
		{"missing required field", `{"type":"ticketPurchase","data":{}}`, ErrInvalidData},
		{"wrong primitive type", `{"type":"ticketPurchase","data":{"transactionId":42}}`, ErrInvalidData},
		{"bad date", `{"type":"chatMessage","data":{"id":"m1","message":"hi","listingId":"l","transactionId":"t","userId":null,"createdAt":"yesterday","updatedAt":"2024-01-01T00:00:00Z"}}`, ErrInvalidData},
		{"missing date", `{"type":"chatMessage","data":{"id":"m1","message":"hi","listingId":"l","transactionId":"t","userId":null,"updatedAt":"2024-01-01T00:00:00Z"}}`, ErrInvalidData},
		{"userId wrong type", `{"type":"chatMessage","data":{"id":"m1","message":"hi","listingId":"l","transactionId":"t","userId":5,"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"}}`, ErrInvalidData},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := DecodeString(tc.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, Envelope{}, env)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr))
		})
	}
}

func TestDecode_ReportsWireFieldNames(t *testing.T) {
	_, err := DecodeString(`{"type":"ticketPurchase","data":{}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transactionId")
}

func TestDecode_AnonymousAuthor(t *testing.T) {
	msg := sampleChat()
	msg.UserID = nil
	raw, err := Encode(New("pub-A", msg))
	require.NoError(t, err)

	var shape struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &shape))
	assert.Contains(t, shape.Data, "userId")
	assert.Nil(t, shape.Data["userId"])
}

type recordingVisitor struct {
	chats     []ChatMessage
	purchases []TicketPurchase
}

func (r *recordingVisitor) VisitChatMessage(m ChatMessage) { r.chats = append(r.chats, m) }
func (r *recordingVisitor) VisitTicketPurchase(p TicketPurchase) {
	r.purchases = append(r.purchases, p)
}

func TestEnvelope_Accept(t *testing.T) {
	v := &recordingVisitor{}

	New("pub-A", sampleChat()).Accept(v)
	New("pub-A", TicketPurchase{TransactionID: "txn_1"}).Accept(v)
	Envelope{}.Accept(v)

	require.Len(t, v.chats, 1)
	require.Len(t, v.purchases, 1)
	assert.Equal(t, "m1", v.chats[0].ID)
	assert.Equal(t, "txn_1", v.purchases[0].TransactionID)
}

func TestTypes_AllConstructible(t *testing.T) {
	for _, typ := range Types() {
		v, ok := newVariant(typ)
		require.True(t, ok, typ)
		assert.Equal(t, typ, v.Type())
	}
}
