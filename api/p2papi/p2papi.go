// Package p2papi defines the peer-to-peer wire message schema described in
// spec.md §6: a closed enum of message types, each carrying a tagged-union
// payload, an optional checksum, and an optional request-correlation id.
//
// Some Bitcoin-family messages (ADDR, NOTFOUND, GET_BLOCKS, GETBLOCKTXN, TX,
// GETADDR, MEMPOOL, REJECT) reuse github.com/btcsuite/btcd/wire's real
// message types and binary codec; the payload field simply holds the
// wire-encoded bytes. VERSION and VERACK carry this core's own lightweight
// handshake fields (spec.md §4.3: version, services, timestamp,
// startHeight) rather than wire.MsgVersion's full Bitcoin address/nonce
// fields, so they travel as JSON like PING/PONG/INV/GETDATA/BLOCK. GET_HEADERS
// and HEADERS are JSON for a similar reason: this core's synchronizer
// requests explicit height ranges (spec.md §4.4), which wire.MsgGetHeaders'
// block-locator addressing cannot express. The remaining node-extension
// messages (GET_NODE_INFO, GET_BLOCK, NEW_BLOCK, NEW_TRANSACTION, GET_VOTES)
// have no Bitcoin-wire equivalent at all and are JSON as well.
package p2papi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/btcsuite/btcd/wire"
)

// Command is the closed message-type enum from spec.md §6.
type Command string

const (
	CmdVersion         Command = "VERSION"
	CmdVerAck          Command = "VERACK"
	CmdPing            Command = "PING"
	CmdPong            Command = "PONG"
	CmdAddr            Command = "ADDR"
	CmdInv             Command = "INV"
	CmdGetData         Command = "GETDATA"
	CmdNotFound        Command = "NOTFOUND"
	CmdGetBlocks       Command = "GET_BLOCKS"
	CmdGetHeaders      Command = "GET_HEADERS"
	CmdGetBlockTxn     Command = "GETBLOCKTXN"
	CmdTx              Command = "TX"
	CmdBlock           Command = "BLOCK"
	CmdHeaders         Command = "HEADERS"
	CmdGetAddr         Command = "GETADDR"
	CmdMempool         Command = "MEMPOOL"
	CmdReject          Command = "REJECT"
	CmdGetNodeInfo     Command = "GET_NODE_INFO"
	CmdGetBlock        Command = "GET_BLOCK"
	CmdNewBlock        Command = "NEW_BLOCK"
	CmdNewTransaction  Command = "NEW_TRANSACTION"
	CmdGetVotes        Command = "GET_VOTES"
)

// wireCommands is the subset of Command that is carried as binary-encoded
// github.com/btcsuite/btcd/wire messages rather than JSON.
var wireCommands = map[Command]func() wire.Message{
	CmdAddr:        func() wire.Message { return &wire.MsgAddr{} },
	CmdNotFound:    func() wire.Message { return &wire.MsgNotFound{} },
	CmdGetBlocks:   func() wire.Message { return &wire.MsgGetBlocks{} },
	CmdGetBlockTxn: func() wire.Message { return &wire.MsgGetBlockTxn{} },
	CmdTx:          func() wire.Message { return &wire.MsgTx{} },
	CmdGetAddr:     func() wire.Message { return &wire.MsgGetAddr{} },
	CmdMempool:     func() wire.Message { return &wire.MsgMemPool{} },
	CmdReject:      func() wire.Message { return &wire.MsgReject{} },
}

// jsonCommands is the subset of Command carried as a JSON payload: the
// handshake, ping/pong, inventory, block and header-range messages, plus
// the node-extension messages this core adds for info/vote queries.
var jsonCommands = map[Command]reflect.Type{
	CmdVersion:        reflect.TypeOf(VersionPayload{}),
	CmdVerAck:         reflect.TypeOf(VerAckPayload{}),
	CmdPing:           reflect.TypeOf(PingPayload{}),
	CmdPong:           reflect.TypeOf(PingPayload{}),
	CmdInv:            reflect.TypeOf(InvPayload{}),
	CmdGetData:        reflect.TypeOf(InvPayload{}),
	CmdBlock:          reflect.TypeOf(BlockPayload{}),
	CmdGetHeaders:     reflect.TypeOf(GetHeadersPayload{}),
	CmdHeaders:        reflect.TypeOf(HeadersPayload{}),
	CmdGetNodeInfo:    reflect.TypeOf(GetNodeInfoPayload{}),
	CmdGetBlock:       reflect.TypeOf(GetBlockPayload{}),
	CmdNewBlock:       reflect.TypeOf(NewBlockPayload{}),
	CmdNewTransaction: reflect.TypeOf(NewTransactionPayload{}),
	CmdGetVotes:       reflect.TypeOf(GetVotesPayload{}),
}

// VersionPayload is the handshake's local/remote announcement, spec.md
// §4.3: a lightweight alternative to wire.MsgVersion carrying only the
// fields this core's handshake actually negotiates.
type VersionPayload struct {
	Version     int32  `json:"version"`
	Services    uint64 `json:"services"`
	Timestamp   int64  `json:"timestamp"`
	StartHeight int64  `json:"start_height"`
	UserAgent   string `json:"user_agent"`
}

// VerAckPayload is the empty acknowledgement that concludes the handshake.
type VerAckPayload struct{}

// PingPayload carries a keepalive round-trip timestamp for both PING and
// PONG (the peer echoes it back unchanged).
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// InvItem identifies a single advertised or requested object in an
// INV/GETDATA exchange.
type InvItem struct {
	Type string `json:"type"` // "block" or "tx"
	Hash []byte `json:"hash"`
}

// InvPayload is the body of both INV and GETDATA: a list of object
// identifiers.
type InvPayload []InvItem

// BlockPayload is the response to a GETDATA "block" request, mirroring
// tbcd.Block's default JSON encoding (Hash, Block) without importing the
// storage layer.
type BlockPayload struct {
	Hash  string `json:"Hash"`
	Block string `json:"Block"`
}

// GetHeadersPayload requests a height range from a peer's header chain.
type GetHeadersPayload struct {
	StartHeight uint64 `json:"start_height"`
	EndHeight   uint64 `json:"end_height"`
}

// HeaderEntry mirrors tbcd.BlockHeader's default JSON encoding (Hash,
// Height, Header) without this package importing the storage layer.
type HeaderEntry struct {
	Hash   string `json:"Hash"`
	Height uint64 `json:"Height"`
	Header string `json:"Header"`
}

// HeadersPayload is the response to GET_HEADERS: a contiguous header range.
type HeadersPayload struct {
	Headers []HeaderEntry `json:"headers"`
}

type GetNodeInfoPayload struct{}

// NodeInfo is the response body for GET_NODE_INFO, covering the vote /
// mined-block / voting-power accessors described in spec.md §4.3.
type NodeInfo struct {
	UserAgent    string `json:"user_agent"`
	Height       int64  `json:"height"`
	MinedBlocks  uint64 `json:"mined_blocks"`
	VotingPower  uint64 `json:"voting_power"`
	Balance      uint64 `json:"balance"`
}

type GetBlockPayload struct {
	Height int64 `json:"height"`
}

type NewBlockPayload struct {
	Raw []byte `json:"raw"`
}

type NewTransactionPayload struct {
	Raw []byte `json:"raw"`
}

type GetVotesPayload struct {
	SinceUnix int64 `json:"since_unix"`
}

// Message is the PeerMessage envelope from spec.md §3: a tagged union over
// the message types, with an optional request-correlation id and checksum.
type Message struct {
	Type      Command `json:"type"`
	RequestID string  `json:"request_id,omitempty"`
	Checksum  string  `json:"checksum,omitempty"`
	Payload   []byte  `json:"payload,omitempty"`
}

// Checksum returns the hex content-hash of payload, used to populate
// Message.Checksum. This is a plain integrity check, not a consensus
// cryptographic primitive, so the standard library's sha256 is sufficient
// per spec.md §1's exclusion of cryptographic primitives from this core.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// EncodeWire serializes a wire.Message into a Message envelope, attaching
// its checksum.
func EncodeWire(cmd Command, m wire.Message, pver uint32) (*Message, error) {
	if _, ok := wireCommands[cmd]; !ok {
		return nil, fmt.Errorf("%v is not a wire command", cmd)
	}
	var buf bytes.Buffer
	if err := m.BtcEncode(&buf, pver, wire.LatestEncoding); err != nil {
		return nil, fmt.Errorf("encode %v: %w", cmd, err)
	}
	payload := buf.Bytes()
	return &Message{
		Type:     cmd,
		Checksum: Checksum(payload),
		Payload:  payload,
	}, nil
}

// DecodeWire decodes a Message envelope known to carry a wire.Message
// payload, validating its checksum and that the payload actually parses as
// the declared command (the strict schema validation spec.md §9 requires).
func DecodeWire(msg *Message, pver uint32) (wire.Message, error) {
	ctor, ok := wireCommands[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%v is not a wire command", msg.Type)
	}
	if msg.Checksum != "" && msg.Checksum != Checksum(msg.Payload) {
		return nil, fmt.Errorf("checksum mismatch for %v", msg.Type)
	}
	m := ctor()
	if err := m.BtcDecode(bytes.NewReader(msg.Payload), pver, wire.LatestEncoding); err != nil {
		return nil, fmt.Errorf("decode %v: %w", msg.Type, err)
	}
	return m, nil
}

// EncodeJSON serializes a node-extension payload into a Message envelope.
func EncodeJSON(cmd Command, payload any) (*Message, error) {
	typ, ok := jsonCommands[cmd]
	if !ok {
		return nil, fmt.Errorf("%v is not a json command", cmd)
	}
	pt := reflect.TypeOf(payload)
	if pt.Kind() == reflect.Ptr {
		pt = pt.Elem()
	}
	if pt != typ {
		return nil, fmt.Errorf("payload %v does not match registered type %v for %v", pt, typ, cmd)
	}
	pj, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %v: %w", cmd, err)
	}
	return &Message{
		Type:     cmd,
		Checksum: Checksum(pj),
		Payload:  pj,
	}, nil
}

// DecodeJSON decodes a Message envelope known to carry a JSON payload,
// validating checksum and schema shape.
func DecodeJSON(msg *Message) (any, error) {
	typ, ok := jsonCommands[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%v is not a json command", msg.Type)
	}
	if msg.Checksum != "" && msg.Checksum != Checksum(msg.Payload) {
		return nil, fmt.Errorf("checksum mismatch for %v", msg.Type)
	}
	out := reflect.New(typ).Interface()
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, out); err != nil {
			return nil, fmt.Errorf("unmarshal %v: %w", msg.Type, err)
		}
	}
	return reflect.ValueOf(out).Elem().Interface(), nil
}

// IsWireCommand reports whether cmd is carried as a binary wire.Message.
func IsWireCommand(cmd Command) bool {
	_, ok := wireCommands[cmd]
	return ok
}

// IsJSONCommand reports whether cmd is carried as a JSON payload.
func IsJSONCommand(cmd Command) bool {
	_, ok := jsonCommands[cmd]
	return ok
}

// Validate applies the strict schema check spec.md §9 calls for: every
// frame's payload must be consistent with its declared type, and unknown
// types are rejected (callers turn this into an "unknown" event rather
// than a disconnect, per spec.md §4.3).
func Validate(msg *Message) error {
	switch {
	case IsWireCommand(msg.Type):
		_, err := DecodeWire(msg, wire.ProtocolVersion)
		return err
	case IsJSONCommand(msg.Type):
		_, err := DecodeJSON(msg)
		return err
	default:
		return fmt.Errorf("unknown message type: %v", msg.Type)
	}
}
