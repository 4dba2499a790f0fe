package chain

import (
	"time"

	"github.com/medchain/go-medchain-sdk/asymkey"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/utils"
)

var (
	// ErrorTransactionReverted is returned by PendingTransaction.Wait when the ledger rejected the call
	ErrorTransactionReverted = utils.NewMedChainError("CHAIN_TRANSACTION_REVERTED", "transaction reverted")
	// ErrorTransactionRejected is returned when the user refused to sign the transaction
	ErrorTransactionRejected = utils.NewMedChainError("CHAIN_TRANSACTION_REJECTED", "transaction rejected by user")
	// ErrorBackendUnreachable is returned by read operations when the authoritative backend cannot be reached
	ErrorBackendUnreachable = utils.NewMedChainError("CHAIN_BACKEND_UNREACHABLE", "authoritative backend unreachable")
	// ErrorUnknownMethod is returned when a call targets a method the contract does not expose
	ErrorUnknownMethod = utils.NewMedChainError("CHAIN_UNKNOWN_METHOD", "unknown contract method")
	// ErrorUnknownIdentity is returned when querying keys of a never-registered identity
	ErrorUnknownIdentity = utils.NewMedChainError("CHAIN_UNKNOWN_IDENTITY", "identity has never registered")
)

// Contract method names, mirroring the deployed roles/access contract ABI.
const (
	MethodRegisterUser = "registerUser"
	MethodGrantAccess  = "grantAccess"
	MethodRevokeAccess = "revokeAccess"
)

// Call is one state-mutating contract invocation, to be signed and submitted
// by a Signer. Args must be JSON-serializable: the transaction hash is the
// SHA-256 of the canonical JSON of the whole submission.
type Call struct {
	Target string         `json:"target"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

// TxStatus is the tri-state outcome of a submitted transaction. A caller must
// never mistake a pending grant for an active one.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Receipt proves finalization of a transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Timestamp   time.Time
}

// PendingTransaction is a submitted, not yet finalized transaction.
// Wait blocks until finality. An abandoned PendingTransaction is not
// retracted: the transaction may still confirm after the caller is gone.
type PendingTransaction interface {
	Hash() string
	Status() TxStatus
	Wait() (*Receipt, error)
}

// Signer abstracts the wallet: it owns the account address and submits
// signed transactions.
type Signer interface {
	GetAddress() common_models.Identity
	SignAndSend(call Call) (PendingTransaction, error)
}

// EventKind discriminates ledger events.
type EventKind string

const (
	EventRoleAssigned  EventKind = "RoleAssigned"
	EventAccessGranted EventKind = "AccessGranted"
	EventAccessRevoked EventKind = "AccessRevoked"
)

// Event is one finalized ledger fact, observable by subscribers.
type Event struct {
	Kind        EventKind              `json:"kind"`
	Identity    common_models.Identity `json:"identity,omitempty"`
	Role        common_models.Role     `json:"role,omitempty"`
	Patient     common_models.Identity `json:"patient,omitempty"`
	Doctor      common_models.Identity `json:"doctor,omitempty"`
	BlockNumber uint64                 `json:"block_number"`
	Timestamp   time.Time              `json:"timestamp"`
}

// PublicKeys are the keys an identity publishes at registration, so that
// patients can wrap record keys for doctors and sign release envelopes.
type PublicKeys struct {
	Encryption *asymkey.PublicKey
	Signing    *asymkey.PublicKey
}

// Backend is the read side of the authoritative ledger. Every security
// decision consults it; the local cache is never authoritative. All methods
// may fail with ErrorBackendUnreachable, in which case callers fail closed
// (authorization) or fall back to a cache marked stale (listings).
type Backend interface {
	IsRegistered(identity common_models.Identity) (bool, error)
	GetRole(identity common_models.Identity) (common_models.Role, error)
	GetPublicKeys(identity common_models.Identity) (*PublicKeys, error)
	IsAuthorized(patient common_models.Identity, doctor common_models.Identity) (bool, error)
	ActiveDoctors(patient common_models.Identity) ([]common_models.Identity, error)
	ActivePatients(doctor common_models.Identity) ([]common_models.Identity, error)
	GrantHistory(patient common_models.Identity) ([]common_models.Grant, error)
	Subscribe() (<-chan Event, func())
}
