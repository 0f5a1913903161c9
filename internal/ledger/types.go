package ledger

import (
	"encoding/json"
	"time"

	"github.com/jmerrifield20/auditledger/internal/hashchain"
	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/signer"
)

// DefaultSchemaVersion is stamped on receipts whose event carries none.
const DefaultSchemaVersion = "1.0"

// Event is one operational event. The ledger treats it as opaque beyond its
// canonical encoding.
type Event struct {
	EventID       string          `json:"event_id"`
	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	ConsentScope  []string        `json:"consent_scope,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	PolicyVersion string          `json:"policy_version,omitempty"`
}

// MerkleInfo locates an event in the chain.
type MerkleInfo struct {
	LeafHash string          `json:"leaf_hash"`
	RootHash string          `json:"root_hash"`
	Proof    hashchain.Proof `json:"proof"`
	Index    int             `json:"index"`
}

// Receipt is the signed proof that an event was recorded.
type Receipt struct {
	ReceiptID     string           `json:"receipt_id"`
	Event         Event            `json:"event"`
	Merkle        MerkleInfo       `json:"merkle"`
	Signature     signer.Signature `json:"signature"`
	LedgerHeight  int              `json:"ledger_height"`
	SchemaVersion string           `json:"schema_version"`
	PolicyVersion string           `json:"policy_version,omitempty"`
	ConsentScope  []string         `json:"consent_scope,omitempty"`
	IssuedAt      time.Time        `json:"issued_at"`
}

// State is the durable ledger state, the only source of truth on restart.
type State struct {
	Chain         hashchain.Export `json:"chain"`
	LastEventID   string           `json:"last_event_id,omitempty"`
	LastReceiptID string           `json:"last_receipt_id,omitempty"`
	LedgerHeight  int              `json:"ledger_height"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// VerificationResult is the outcome of VerifyReceipt.
type VerificationResult struct {
	Valid          bool   `json:"valid"`
	MerkleValid    bool   `json:"merkle_valid"`
	SignatureValid bool   `json:"signature_valid"`
	KeyID          string `json:"key_id,omitempty"`
	Message        string `json:"message"`
}

// ExportBundle is a self-contained copy of the ledger: durable state, every
// receipt and the keys needed to verify them.
type ExportBundle struct {
	ExportedAt time.Time      `json:"exported_at"`
	RootHash   string         `json:"root_hash"`
	Height     int            `json:"height"`
	State      State          `json:"state"`
	Receipts   []Receipt      `json:"receipts"`
	KeySet     keyring.JWKSet `json:"jwks"`
}
