package outbox

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// encMode encodes payloads with Core Deterministic Encoding, so the same
// payload always produces the same bytes and the same checksum.
var encMode cbor.EncMode

// decMode rejects duplicate map keys; unknown fields are ignored so older
// clients can read rows written by newer ones.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("outbox: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("outbox: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodePayload returns the stored form of p and its BLAKE2b-256 checksum.
func encodePayload(p Payload) (data, sum []byte, err error) {
	data, err = encMode.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	digest := blake2b.Sum256(data)
	return data, digest[:], nil
}

// decodePayload verifies data against sum and decodes it.
func decodePayload(data, sum []byte) (Payload, error) {
	digest := blake2b.Sum256(data)
	if !bytes.Equal(digest[:], sum) {
		return Payload{}, ErrCorruptEntry
	}
	var p Payload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return p, nil
}
