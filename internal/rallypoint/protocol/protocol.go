// Package protocol implements the packets exchanged with rally-point relay
// servers.
//
// Control packets are laid out as [type:1][body], where body is CBOR. Packets
// sent by the route creator are additionally signed with a secret shared with
// the relays: [type:1][hmac-sha256:32][body]. Game data is framed without
// CBOR to keep the per-packet overhead small:
//
//	forward: [0x20][route id:8][player id:4][payload]  (player -> relay)
//	receive: [0x21][route id:8][payload]               (relay -> player)
package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shieldbattery/shieldbattery/internal/wire"
)

type MessageType byte

const (
	TypeCreateRoute        MessageType = 0x01
	TypeCreateRouteSuccess MessageType = 0x02

	TypeJoinRoute        MessageType = 0x10
	TypeJoinRouteSuccess MessageType = 0x11
	TypeRouteReady       MessageType = 0x12
	TypeJoinRouteFailure MessageType = 0x13
	TypeKeepAlive        MessageType = 0x18

	TypeForward MessageType = 0x20
	TypeReceive MessageType = 0x21
)

func (t MessageType) String() string {
	switch t {
	case TypeCreateRoute:
		return "CreateRoute"
	case TypeCreateRouteSuccess:
		return "CreateRouteSuccess"
	case TypeJoinRoute:
		return "JoinRoute"
	case TypeJoinRouteSuccess:
		return "JoinRouteSuccess"
	case TypeRouteReady:
		return "RouteReady"
	case TypeJoinRouteFailure:
		return "JoinRouteFailure"
	case TypeKeepAlive:
		return "KeepAlive"
	case TypeForward:
		return "Forward"
	case TypeReceive:
		return "Receive"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(t))
	}
}

const (
	signatureSize = sha256.Size
	routeIDSize   = 8
)

var (
	ErrShortPacket  = errors.New("packet too short")
	ErrBadSignature = errors.New("packet signature mismatch")
)

var codec = wire.NewCBORCodec()

// RouteID identifies a route on a relay server.
type RouteID [routeIDSize]byte

func NewRouteID() (RouteID, error) {
	var id RouteID
	_, err := rand.Read(id[:])
	return id, err
}

func (id RouteID) String() string { return hex.EncodeToString(id[:]) }

func ParseRouteID(s string) (RouteID, error) {
	var id RouteID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid route id %q: %w", s, err)
	}
	if len(b) != routeIDSize {
		return id, fmt.Errorf("invalid route id %q: want %d bytes", s, routeIDSize)
	}
	copy(id[:], b)
	return id, nil
}

type CreateRoute struct {
	RequestID string `cbor:"requestId"`
}

type CreateRouteSuccess struct {
	RequestID   string  `cbor:"requestId"`
	RouteID     RouteID `cbor:"routeId"`
	PlayerOneID uint32  `cbor:"p1"`
	PlayerTwoID uint32  `cbor:"p2"`
}

type JoinRoute struct {
	RouteID  RouteID `cbor:"routeId"`
	PlayerID uint32  `cbor:"playerId"`
}

type JoinRouteSuccess struct {
	RouteID  RouteID `cbor:"routeId"`
	PlayerID uint32  `cbor:"playerId"`
}

type JoinRouteFailure struct {
	RouteID  RouteID `cbor:"routeId"`
	PlayerID uint32  `cbor:"playerId"`
	Reason   string  `cbor:"reason"`
}

type RouteReady struct {
	RouteID RouteID `cbor:"routeId"`
}

type KeepAlive struct {
	RouteID  RouteID `cbor:"routeId"`
	PlayerID uint32  `cbor:"playerId"`
}

// Encode builds an unsigned control packet.
func Encode(t MessageType, body any) ([]byte, error) {
	data, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s: %w", t, err)
	}
	return append([]byte{byte(t)}, data...), nil
}

// Decode splits an unsigned packet into its type and body.
func Decode(packet []byte) (MessageType, []byte, error) {
	if len(packet) < 1 {
		return 0, nil, ErrShortPacket
	}
	return MessageType(packet[0]), packet[1:], nil
}

// Unmarshal decodes the body of a control packet into v.
func Unmarshal(body []byte, v any) error {
	return codec.Unmarshal(body, v)
}

// Signer signs and verifies control packets with the shared relay secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

func (s *Signer) sum(data []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// EncodeSigned builds a signed control packet.
func (s *Signer) EncodeSigned(t MessageType, body any) ([]byte, error) {
	data, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s: %w", t, err)
	}
	packet := make([]byte, 0, 1+signatureSize+len(data))
	packet = append(packet, byte(t))
	packet = append(packet, s.sum(data)...)
	return append(packet, data...), nil
}

// DecodeSigned verifies a signed packet and returns its type and body.
func (s *Signer) DecodeSigned(packet []byte) (MessageType, []byte, error) {
	if len(packet) < 1+signatureSize {
		return 0, nil, ErrShortPacket
	}
	sig := packet[1 : 1+signatureSize]
	data := packet[1+signatureSize:]
	if !hmac.Equal(sig, s.sum(data)) {
		return 0, nil, ErrBadSignature
	}
	return MessageType(packet[0]), data, nil
}

// EncodeForward frames game data sent by a player to its peer.
func EncodeForward(routeID RouteID, playerID uint32, payload []byte) []byte {
	packet := make([]byte, 1+routeIDSize+4, 1+routeIDSize+4+len(payload))
	packet[0] = byte(TypeForward)
	copy(packet[1:], routeID[:])
	binary.LittleEndian.PutUint32(packet[1+routeIDSize:], playerID)
	return append(packet, payload...)
}

func DecodeForward(packet []byte) (routeID RouteID, playerID uint32, payload []byte, err error) {
	if len(packet) < 1+routeIDSize+4 || MessageType(packet[0]) != TypeForward {
		return routeID, 0, nil, ErrShortPacket
	}
	copy(routeID[:], packet[1:])
	playerID = binary.LittleEndian.Uint32(packet[1+routeIDSize:])
	return routeID, playerID, packet[1+routeIDSize+4:], nil
}

// EncodeReceive frames game data delivered by the relay to a player.
func EncodeReceive(routeID RouteID, payload []byte) []byte {
	packet := make([]byte, 1+routeIDSize, 1+routeIDSize+len(payload))
	packet[0] = byte(TypeReceive)
	copy(packet[1:], routeID[:])
	return append(packet, payload...)
}

func DecodeReceive(packet []byte) (routeID RouteID, payload []byte, err error) {
	if len(packet) < 1+routeIDSize || MessageType(packet[0]) != TypeReceive {
		return routeID, nil, ErrShortPacket
	}
	copy(routeID[:], packet[1:])
	return routeID, packet[1+routeIDSize:], nil
}
