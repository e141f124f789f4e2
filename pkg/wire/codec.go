package wire

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

func init() {
	for _, m := range All() {
		gob.Register(m)
	}
}

var ErrNoMessage = errors.New("envelope has no message")

// Envelope is the unit on the wire.
type Envelope struct {
	From PeerID
	Msg  Message
}

func Marshal(env Envelope) ([]byte, error) {
	if env.Msg == nil {
		return nil, ErrNoMessage
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&env); err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Msg.Kind(), err)
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Msg == nil {
		return Envelope{}, ErrNoMessage
	}
	return env, nil
}

// Encoder writes a stream of envelopes. Type information is sent once per stream.
type Encoder struct{ enc *gob.Encoder }

func NewEncoder(w io.Writer) *Encoder { return &Encoder{enc: gob.NewEncoder(w)} }

func (e *Encoder) Encode(env Envelope) error {
	if env.Msg == nil {
		return ErrNoMessage
	}
	return e.enc.Encode(&env)
}

type Decoder struct{ dec *gob.Decoder }

func NewDecoder(r io.Reader) *Decoder { return &Decoder{dec: gob.NewDecoder(r)} }

func (d *Decoder) Decode() (Envelope, error) {
	var env Envelope
	if err := d.dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Msg == nil {
		return Envelope{}, ErrNoMessage
	}
	return env, nil
}
