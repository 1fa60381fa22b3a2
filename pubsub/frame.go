package pubsub

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is a room broadcast as it travels between instances.
type Frame struct {
	Room    string   `cbor:"1,keyasint"`
	Payload []byte   `cbor:"2,keyasint"`
	Exclude []string `cbor:"3,keyasint,omitempty"`
	Ingress string   `cbor:"4,keyasint,omitempty"`
}

var (
	frameEnc cbor.EncMode
	frameDec cbor.DecMode
)

func init() {
	var err error
	frameEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("pubsub: CBOR encoder initialization failed: " + err.Error())
	}
	frameDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("pubsub: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame serializes f.
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Room == "" {
		return nil, errors.New("pubsub: frame has no room")
	}
	return frameEnc.Marshal(f)
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := frameDec.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("pubsub: decode frame: %w", err)
	}
	if f.Room == "" {
		return Frame{}, errors.New("pubsub: frame has no room")
	}
	return f, nil
}
