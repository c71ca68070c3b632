package queue

import (
	"github.com/fxamacker/cbor/v2"
)

// Stored records use Core Deterministic CBOR (RFC 8949 §4.2) so the same
// job always encodes to the same bytes. Times are tagged RFC3339 strings
// with nanoseconds.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TimeTag = cbor.EncTagRequired
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// leaseRecord is the stored form of an in-flight job.
type leaseRecord struct {
	Job       Job    `cbor:"job"`
	Token     string `cbor:"token"`
	ExpiresAt int64  `cbor:"expires_at"` // unix nanos
}
