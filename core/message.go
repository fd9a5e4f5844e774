package core

// message.go – the binary wire messages exchanged on the gossip overlay and
// the sync protocol. Every message is a one-byte tag followed by the RLP
// payload of its variant; the tags are part of the protocol and never reused.

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Protocol identifiers spoken on the wire.
const (
	ProtocolBlockAnnounce = "/chain/block/announce/1.0.0"
	ProtocolTxPropagate   = "/chain/tx/propagate/1.0.0"
	ProtocolSyncRequest   = "/chain/sync/request/1.0.0"
	ProtocolStateSync     = "/chain/state/sync/1.0.0"
)

// Wire size limits.
const (
	MaxGossipMessageSize = 128 * 1024
	MaxSyncRequestSize   = 32 * 1024
	MaxSyncResponseSize  = 1024 * 1024
	MaxHeadersPerRequest = 192
	MaxBodiesPerRequest  = 32
)

// message tags; the gossip and sync namespaces are independent.
const (
	tagBlockAnnounce byte = 0x01
	tagTxPropagate   byte = 0x02

	tagReqHeaders       byte = 0x10
	tagReqBodies        byte = 0x11
	tagReqReceipts      byte = 0x12
	tagReqStateSnapshot byte = 0x13

	tagRespHeaders       byte = 0x20
	tagRespBodies        byte = 0x21
	tagRespReceipts      byte = 0x22
	tagRespStateSnapshot byte = 0x23
	tagRespError         byte = 0x24
)

//---------------------------------------------------------------------
// Gossip messages
//---------------------------------------------------------------------

// BlockAnnounce advertises a freshly produced block; small blocks ride along
// in full so peers skip the body round-trip.
type BlockAnnounce struct {
	Header BlockHeader `json:"header"`
	Block  *Block      `json:"block,omitempty" rlp:"nil"`
}

// NewBlockAnnounce wraps a header.
func NewBlockAnnounce(header BlockHeader) *BlockAnnounce {
	return &BlockAnnounce{Header: header}
}

// WithBlock attaches the full block.
func (a *BlockAnnounce) WithBlock(block *Block) *BlockAnnounce {
	a.Block = block
	return a
}

// BlockHash returns the announced header's hash.
func (a *BlockAnnounce) BlockHash() Hash {
	hash, err := a.Header.HashHeader()
	if err != nil {
		return Hash{}
	}
	return hash
}

// BlockNumber returns the announced height.
func (a *BlockAnnounce) BlockNumber() uint64 { return a.Header.Number }

// TransactionPropagate carries a batch of transactions to peers.
type TransactionPropagate struct {
	Transactions []*Transaction `json:"transactions"`
}

// NewTransactionPropagate wraps a batch.
func NewTransactionPropagate(txs []*Transaction) *TransactionPropagate {
	return &TransactionPropagate{Transactions: txs}
}

// SingleTransaction wraps one transaction.
func SingleTransaction(tx *Transaction) *TransactionPropagate {
	return &TransactionPropagate{Transactions: []*Transaction{tx}}
}

// Len returns the batch size.
func (p *TransactionPropagate) Len() int { return len(p.Transactions) }

// IsEmpty reports an empty batch.
func (p *TransactionPropagate) IsEmpty() bool { return len(p.Transactions) == 0 }

// GossipMessage is the tagged union travelling on gossip topics. Exactly one
// field is set.
type GossipMessage struct {
	BlockAnnounce        *BlockAnnounce
	TransactionPropagate *TransactionPropagate
}

// Encode serialises the message as tag ‖ RLP(payload).
func (m *GossipMessage) Encode() ([]byte, error) {
	switch {
	case m.BlockAnnounce != nil:
		payload, err := rlp.EncodeToBytes(m.BlockAnnounce)
		if err != nil {
			return nil, fmt.Errorf("%w: block announce: %v", ErrEncoding, err)
		}
		return append([]byte{tagBlockAnnounce}, payload...), nil
	case m.TransactionPropagate != nil:
		payload, err := rlp.EncodeToBytes(m.TransactionPropagate)
		if err != nil {
			return nil, fmt.Errorf("%w: tx propagate: %v", ErrEncoding, err)
		}
		return append([]byte{tagTxPropagate}, payload...), nil
	}
	return nil, fmt.Errorf("%w: empty gossip message", ErrEncoding)
}

// DecodeGossipMessage parses a tagged gossip frame, rejecting oversized and
// unknown input.
func DecodeGossipMessage(data []byte) (*GossipMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty gossip frame", ErrEncoding)
	}
	if len(data) > MaxGossipMessageSize {
		return nil, fmt.Errorf("%w: gossip frame of %d bytes exceeds %d", ErrEncoding, len(data), MaxGossipMessageSize)
	}
	switch data[0] {
	case tagBlockAnnounce:
		var announce BlockAnnounce
		if err := rlp.DecodeBytes(data[1:], &announce); err != nil {
			return nil, fmt.Errorf("%w: block announce: %v", ErrEncoding, err)
		}
		return &GossipMessage{BlockAnnounce: &announce}, nil
	case tagTxPropagate:
		var propagate TransactionPropagate
		if err := rlp.DecodeBytes(data[1:], &propagate); err != nil {
			return nil, fmt.Errorf("%w: tx propagate: %v", ErrEncoding, err)
		}
		return &GossipMessage{TransactionPropagate: &propagate}, nil
	}
	return nil, fmt.Errorf("%w: unknown gossip tag 0x%02x", ErrEncoding, data[0])
}

//---------------------------------------------------------------------
// Sync requests
//---------------------------------------------------------------------

// GetHeaders asks for a header chain walk starting at a hash.
type GetHeaders struct {
	Start   Hash   `json:"start"`
	Amount  uint32 `json:"amount"`
	Skip    uint32 `json:"skip"`
	Reverse bool   `json:"reverse"`
}

// GetBodies asks for block bodies by hash.
type GetBodies struct {
	Hashes []Hash `json:"hashes"`
}

// GetReceipts asks for receipt lists by block hash.
type GetReceipts struct {
	Hashes []Hash `json:"hashes"`
}

// GetStateSnapshot asks for a page of state entries under a prefix.
type GetStateSnapshot struct {
	Root   Hash   `json:"root"`
	Prefix []byte `json:"prefix"`
	Limit  uint32 `json:"limit"`
}

// SyncRequest is the tagged union of sync queries. Exactly one field is set.
type SyncRequest struct {
	Headers       *GetHeaders
	Bodies        *GetBodies
	Receipts      *GetReceipts
	StateSnapshot *GetStateSnapshot
}

// HeadersRequest builds a forward header walk.
func HeadersRequest(start Hash, amount uint32) *SyncRequest {
	return &SyncRequest{Headers: &GetHeaders{Start: start, Amount: amount}}
}

// BodiesRequest builds a bodies query.
func BodiesRequest(hashes []Hash) *SyncRequest {
	return &SyncRequest{Bodies: &GetBodies{Hashes: hashes}}
}

// ReceiptsRequest builds a receipts query.
func ReceiptsRequest(hashes []Hash) *SyncRequest {
	return &SyncRequest{Receipts: &GetReceipts{Hashes: hashes}}
}

// StateSnapshotRequest builds a state page query.
func StateSnapshotRequest(root Hash, prefix []byte, limit uint32) *SyncRequest {
	return &SyncRequest{StateSnapshot: &GetStateSnapshot{Root: root, Prefix: prefix, Limit: limit}}
}

// Encode serialises the request as tag ‖ RLP(payload).
func (r *SyncRequest) Encode() ([]byte, error) {
	var tag byte
	var payload interface{}
	switch {
	case r.Headers != nil:
		tag, payload = tagReqHeaders, r.Headers
	case r.Bodies != nil:
		tag, payload = tagReqBodies, r.Bodies
	case r.Receipts != nil:
		tag, payload = tagReqReceipts, r.Receipts
	case r.StateSnapshot != nil:
		tag, payload = tagReqStateSnapshot, r.StateSnapshot
	default:
		return nil, fmt.Errorf("%w: empty sync request", ErrEncoding)
	}
	enc, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: sync request: %v", ErrEncoding, err)
	}
	frame := append([]byte{tag}, enc...)
	if len(frame) > MaxSyncRequestSize {
		return nil, fmt.Errorf("%w: sync request of %d bytes exceeds %d", ErrEncoding, len(frame), MaxSyncRequestSize)
	}
	return frame, nil
}

// DecodeSyncRequest parses a tagged request frame.
func DecodeSyncRequest(data []byte) (*SyncRequest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sync frame", ErrEncoding)
	}
	if len(data) > MaxSyncRequestSize {
		return nil, fmt.Errorf("%w: sync request of %d bytes exceeds %d", ErrEncoding, len(data), MaxSyncRequestSize)
	}
	switch data[0] {
	case tagReqHeaders:
		var req GetHeaders
		if err := rlp.DecodeBytes(data[1:], &req); err != nil {
			return nil, fmt.Errorf("%w: get headers: %v", ErrEncoding, err)
		}
		return &SyncRequest{Headers: &req}, nil
	case tagReqBodies:
		var req GetBodies
		if err := rlp.DecodeBytes(data[1:], &req); err != nil {
			return nil, fmt.Errorf("%w: get bodies: %v", ErrEncoding, err)
		}
		return &SyncRequest{Bodies: &req}, nil
	case tagReqReceipts:
		var req GetReceipts
		if err := rlp.DecodeBytes(data[1:], &req); err != nil {
			return nil, fmt.Errorf("%w: get receipts: %v", ErrEncoding, err)
		}
		return &SyncRequest{Receipts: &req}, nil
	case tagReqStateSnapshot:
		var req GetStateSnapshot
		if err := rlp.DecodeBytes(data[1:], &req); err != nil {
			return nil, fmt.Errorf("%w: get state snapshot: %v", ErrEncoding, err)
		}
		return &SyncRequest{StateSnapshot: &req}, nil
	}
	return nil, fmt.Errorf("%w: unknown sync request tag 0x%02x", ErrEncoding, data[0])
}

//---------------------------------------------------------------------
// Sync responses
//---------------------------------------------------------------------

// HeadersResponse carries a header chain segment.
type HeadersResponse struct {
	Headers []BlockHeader `json:"headers"`
}

// BodiesResponse carries transaction lists matching the requested hashes.
type BodiesResponse struct {
	Bodies [][]*Transaction `json:"bodies"`
}

// ReceiptsResponse carries encoded receipt lists.
type ReceiptsResponse struct {
	Receipts [][]byte `json:"receipts"`
}

// StateEntry is one key/value pair of a state page.
type StateEntry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// StateSnapshotResponse carries one page of state entries.
type StateSnapshotResponse struct {
	Entries  []StateEntry `json:"entries"`
	Complete bool         `json:"complete"`
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Message string `json:"message"`
}

// SyncResponse is the tagged union of sync answers. Exactly one field is set.
type SyncResponse struct {
	Headers       *HeadersResponse
	Bodies        *BodiesResponse
	Receipts      *ReceiptsResponse
	StateSnapshot *StateSnapshotResponse
	Error         *ErrorResponse
}

// SyncError builds an error response.
func SyncError(message string) *SyncResponse {
	return &SyncResponse{Error: &ErrorResponse{Message: message}}
}

// Encode serialises the response as tag ‖ RLP(payload).
func (r *SyncResponse) Encode() ([]byte, error) {
	var tag byte
	var payload interface{}
	switch {
	case r.Headers != nil:
		tag, payload = tagRespHeaders, r.Headers
	case r.Bodies != nil:
		tag, payload = tagRespBodies, r.Bodies
	case r.Receipts != nil:
		tag, payload = tagRespReceipts, r.Receipts
	case r.StateSnapshot != nil:
		tag, payload = tagRespStateSnapshot, r.StateSnapshot
	case r.Error != nil:
		tag, payload = tagRespError, r.Error
	default:
		return nil, fmt.Errorf("%w: empty sync response", ErrEncoding)
	}
	enc, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: sync response: %v", ErrEncoding, err)
	}
	frame := append([]byte{tag}, enc...)
	if len(frame) > MaxSyncResponseSize {
		return nil, fmt.Errorf("%w: sync response of %d bytes exceeds %d", ErrEncoding, len(frame), MaxSyncResponseSize)
	}
	return frame, nil
}

// DecodeSyncResponse parses a tagged response frame.
func DecodeSyncResponse(data []byte) (*SyncResponse, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sync frame", ErrEncoding)
	}
	if len(data) > MaxSyncResponseSize {
		return nil, fmt.Errorf("%w: sync response of %d bytes exceeds %d", ErrEncoding, len(data), MaxSyncResponseSize)
	}
	switch data[0] {
	case tagRespHeaders:
		var resp HeadersResponse
		if err := rlp.DecodeBytes(data[1:], &resp); err != nil {
			return nil, fmt.Errorf("%w: headers response: %v", ErrEncoding, err)
		}
		return &SyncResponse{Headers: &resp}, nil
	case tagRespBodies:
		var resp BodiesResponse
		if err := rlp.DecodeBytes(data[1:], &resp); err != nil {
			return nil, fmt.Errorf("%w: bodies response: %v", ErrEncoding, err)
		}
		return &SyncResponse{Bodies: &resp}, nil
	case tagRespReceipts:
		var resp ReceiptsResponse
		if err := rlp.DecodeBytes(data[1:], &resp); err != nil {
			return nil, fmt.Errorf("%w: receipts response: %v", ErrEncoding, err)
		}
		return &SyncResponse{Receipts: &resp}, nil
	case tagRespStateSnapshot:
		var resp StateSnapshotResponse
		if err := rlp.DecodeBytes(data[1:], &resp); err != nil {
			return nil, fmt.Errorf("%w: state snapshot response: %v", ErrEncoding, err)
		}
		return &SyncResponse{StateSnapshot: &resp}, nil
	case tagRespError:
		var resp ErrorResponse
		if err := rlp.DecodeBytes(data[1:], &resp); err != nil {
			return nil, fmt.Errorf("%w: error response: %v", ErrEncoding, err)
		}
		return &SyncResponse{Error: &resp}, nil
	}
	return nil, fmt.Errorf("%w: unknown sync response tag 0x%02x", ErrEncoding, data[0])
}
