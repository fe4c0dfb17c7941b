package wire

import (
	"encoding/json"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
)

// DefaultCodec encodes the websocket messages. Websocket peers (game
// processes, launchers) speak JSON.
var DefaultCodec = NewJSONCodec()

type Codec struct {
	Marshal   func(v any) ([]byte, error)
	Unmarshal func(data []byte, v any) error
}

func NewJSONCodec() *Codec {
	return &Codec{
		Marshal:   json.Marshal,
		Unmarshal: json.Unmarshal,
	}
}

// NewCBORCodec returns a codec with deterministic (core) encoding, so the
// same value always produces the same bytes. Signed relay packets rely on it.
func NewCBORCodec() *Codec {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return &Codec{
		Marshal:   em.Marshal,
		Unmarshal: cbor.Unmarshal,
	}
}

func Encode(m any) ([]byte, error) {
	out, err := DefaultCodec.Marshal(m)
	if err != nil {
		slog.Error("Could not marshal the websocket message", logging.Error(err))
		return nil, err
	}
	return out, nil
}

func Decode(payload []byte, v any) error {
	return DefaultCodec.Unmarshal(payload, v)
}
