package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gibson042/canonicaljson-go"
	"github.com/medchain/go-medchain-sdk/asymkey"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorAlreadyRegistered is the revert reason when an identity registers twice
	ErrorAlreadyRegistered = utils.NewMedChainError("CHAIN_ALREADY_REGISTERED", "identity already registered")
)

// account holds everything the ledger knows about one registered identity.
type account struct {
	role common_models.Role
	keys PublicKeys
}

// SimulatedLedger is an in-memory authoritative backend implementing the
// roles + access-registry contract semantics. It linearizes all mutating
// calls behind a single lock, which makes concurrent submissions for the
// same identity resolve to exactly one deterministic final state. It backs
// tests and local development; a production deployment substitutes a real
// chain gateway behind the same Backend and Signer interfaces.
type SimulatedLedger struct {
	lock        sync.RWMutex
	accounts    map[common_models.Identity]*account
	grants      map[common_models.Identity][]common_models.Grant
	height      uint64
	nonce       uint64
	offline     bool
	subscribers map[int]chan Event
	nextSubId   int

	// FinalityDelay is how long a submitted transaction stays pending before
	// it is applied. Zero means immediate finality.
	FinalityDelay time.Duration

	Logger zerolog.Logger
}

func NewSimulatedLedger(logger zerolog.Logger) *SimulatedLedger {
	return &SimulatedLedger{
		accounts:    make(map[common_models.Identity]*account),
		grants:      make(map[common_models.Identity][]common_models.Grant),
		subscribers: make(map[int]chan Event),
		Logger:      logger.With().Str("component", "simulatedLedger").Logger(),
	}
}

// SetOffline simulates a network partition: read operations fail with
// ErrorBackendUnreachable until reachability is restored. Transactions
// already submitted still finalize, matching the abandonment semantics of a
// real chain.
func (ledger *SimulatedLedger) SetOffline(offline bool) {
	ledger.lock.Lock()
	defer ledger.lock.Unlock()
	ledger.offline = offline
}

func (ledger *SimulatedLedger) checkReachable() error {
	if ledger.offline {
		return tracerr.Wrap(ErrorBackendUnreachable)
	}
	return nil
}

func (ledger *SimulatedLedger) IsRegistered(identity common_models.Identity) (bool, error) {
	ledger.lock.RLock()
	defer ledger.lock.RUnlock()
	if err := ledger.checkReachable(); err != nil {
		return false, err
	}
	_, ok := ledger.accounts[identity]
	return ok, nil
}

// GetRole returns RoleUnregistered for never-seen identities, without error.
func (ledger *SimulatedLedger) GetRole(identity common_models.Identity) (common_models.Role, error) {
	ledger.lock.RLock()
	defer ledger.lock.RUnlock()
	if err := ledger.checkReachable(); err != nil {
		return common_models.RoleUnregistered, err
	}
	acc, ok := ledger.accounts[identity]
	if !ok {
		return common_models.RoleUnregistered, nil
	}
	return acc.role, nil
}

func (ledger *SimulatedLedger) GetPublicKeys(identity common_models.Identity) (*PublicKeys, error) {
	ledger.lock.RLock()
	defer ledger.lock.RUnlock()
	if err := ledger.checkReachable(); err != nil {
		return nil, err
	}
	acc, ok := ledger.accounts[identity]
	if !ok {
		return nil, tracerr.Wrap(ErrorUnknownIdentity.AddDetails(string(identity)))
	}
	keys := acc.keys
	return &keys, nil
}

func (ledger *SimulatedLedger) IsAuthorized(patient common_models.Identity, doctor common_models.Identity) (bool, error) {
	ledger.lock.RLock()
	defer ledger.lock.RUnlock()
	if err := ledger.checkReachable(); err != nil {
		return false, err
	}
	return ledger.activeGrantIndex(patient, doctor) >= 0, nil
}

// activeGrantIndex returns the index of the active grant for the pair, or -1.
// Callers must hold the lock.
func (ledger *SimulatedLedger) activeGrantIndex(patient common_models.Identity, doctor common_models.Identity) int {
	for i, grant := range ledger.grants[patient] {
		if grant.Doctor == doctor && grant.Active() {
			return i
		}
	}
	return -1
}

func (ledger *SimulatedLedger) ActiveDoctors(patient common_models.Identity) ([]common_models.Identity, error) {
	ledger.lock.RLock()
	defer ledger.lock.RUnlock()
	if err := ledger.checkReachable(); err != nil {
		return nil, err
	}
	var doctors []common_models.Identity
	for _, grant := range ledger.grants[patient] {
		if grant.Active() {
			doctors = append(doctors, grant.Doctor)
		}
	}
	return doctors, nil
}

func (ledger *SimulatedLedger) ActivePatients(doctor common_models.Identity) ([]common_models.Identity, error) {
	ledger.lock.RLock()
	defer ledger.lock.RUnlock()
	if err := ledger.checkReachable(); err != nil {
		return nil, err
	}
	var patients []common_models.Identity
	for patient, grants := range ledger.grants {
		for _, grant := range grants {
			if grant.Doctor == doctor && grant.Active() {
				patients = append(patients, patient)
				break
			}
		}
	}
	return patients, nil
}

func (ledger *SimulatedLedger) GrantHistory(patient common_models.Identity) ([]common_models.Grant, error) {
	ledger.lock.RLock()
	defer ledger.lock.RUnlock()
	if err := ledger.checkReachable(); err != nil {
		return nil, err
	}
	history := make([]common_models.Grant, len(ledger.grants[patient]))
	copy(history, ledger.grants[patient])
	return history, nil
}

func (ledger *SimulatedLedger) Subscribe() (<-chan Event, func()) {
	ledger.lock.Lock()
	defer ledger.lock.Unlock()
	id := ledger.nextSubId
	ledger.nextSubId++
	ch := make(chan Event, 64)
	ledger.subscribers[id] = ch
	return ch, func() {
		ledger.lock.Lock()
		defer ledger.lock.Unlock()
		if sub, ok := ledger.subscribers[id]; ok {
			delete(ledger.subscribers, id)
			close(sub)
		}
	}
}

// emit broadcasts to subscribers. Callers must hold the write lock. Slow
// subscribers lose events rather than blocking finalization.
func (ledger *SimulatedLedger) emit(event Event) {
	for _, sub := range ledger.subscribers {
		select {
		case sub <- event:
		default:
			ledger.Logger.Warn().Str("kind", string(event.Kind)).Msg("Dropping event for slow subscriber")
		}
	}
}

// apply executes one finalized call. Callers must hold the write lock.
func (ledger *SimulatedLedger) apply(from common_models.Identity, call Call) error {
	now := time.Now()
	switch call.Method {
	case MethodRegisterUser:
		role, err := roleArg(call.Args)
		if err != nil {
			return err
		}
		if !role.Registrable() {
			return tracerr.Wrap(ErrorInvalidRole.AddDetails(role.String()))
		}
		if _, ok := ledger.accounts[from]; ok {
			return tracerr.Wrap(ErrorAlreadyRegistered.AddDetails(string(from)))
		}
		keys, err := keysArg(call.Args)
		if err != nil {
			return err
		}
		ledger.accounts[from] = &account{role: role, keys: *keys}
		ledger.height++
		ledger.emit(Event{Kind: EventRoleAssigned, Identity: from, Role: role, BlockNumber: ledger.height, Timestamp: now})
		return nil

	case MethodGrantAccess:
		doctor, err := identityArg(call.Args, "doctor")
		if err != nil {
			return err
		}
		acc, ok := ledger.accounts[doctor]
		if !ok || acc.role != common_models.RoleDoctor {
			return tracerr.Wrap(ErrorNotADoctor.AddDetails(string(doctor)))
		}
		if ledger.activeGrantIndex(from, doctor) >= 0 {
			// granting an already-authorized doctor is an idempotent no-op:
			// no new fact is appended, the transaction still confirms
			return nil
		}
		ledger.grants[from] = append(ledger.grants[from], common_models.Grant{Patient: from, Doctor: doctor, GrantedAt: now})
		ledger.height++
		ledger.emit(Event{Kind: EventAccessGranted, Patient: from, Doctor: doctor, BlockNumber: ledger.height, Timestamp: now})
		return nil

	case MethodRevokeAccess:
		doctor, err := identityArg(call.Args, "doctor")
		if err != nil {
			return err
		}
		index := ledger.activeGrantIndex(from, doctor)
		if index < 0 {
			return tracerr.Wrap(ErrorNoActiveGrant.AddDetails(fmt.Sprintf("%s -> %s", from, doctor)))
		}
		revokedAt := now
		ledger.grants[from][index].RevokedAt = &revokedAt
		ledger.height++
		ledger.emit(Event{Kind: EventAccessRevoked, Patient: from, Doctor: doctor, BlockNumber: ledger.height, Timestamp: now})
		return nil

	default:
		return tracerr.Wrap(ErrorUnknownMethod.AddDetails(call.Method))
	}
}

var (
	// ErrorInvalidRole is the revert reason for a registration with a role outside the closed enum
	ErrorInvalidRole = utils.NewMedChainError("CHAIN_INVALID_ROLE", "invalid role")
	// ErrorNotADoctor is the revert reason when granting to an identity which is not a registered doctor
	ErrorNotADoctor = utils.NewMedChainError("CHAIN_NOT_A_DOCTOR", "grantee is not a registered doctor")
	// ErrorNoActiveGrant is the revert reason when revoking a grant which does not exist
	ErrorNoActiveGrant = utils.NewMedChainError("CHAIN_NO_ACTIVE_GRANT", "no active grant for this doctor")
	// ErrorMissingArg is the revert reason for a call missing a required argument
	ErrorMissingArg = utils.NewMedChainError("CHAIN_MISSING_ARG", "missing call argument")
)

func roleArg(args map[string]any) (common_models.Role, error) {
	raw, ok := args["roleId"]
	if !ok {
		return common_models.RoleUnregistered, tracerr.Wrap(ErrorMissingArg.AddDetails("roleId"))
	}
	switch v := raw.(type) {
	case common_models.Role:
		return v, nil
	case int:
		return common_models.Role(v), nil
	case float64: // JSON round-trip
		return common_models.Role(v), nil
	default:
		return common_models.RoleUnregistered, tracerr.Wrap(ErrorMissingArg.AddDetails(fmt.Sprintf("roleId has type %T", raw)))
	}
}

func identityArg(args map[string]any, key string) (common_models.Identity, error) {
	raw, ok := args[key].(string)
	if !ok || raw == "" {
		return "", tracerr.Wrap(ErrorMissingArg.AddDetails(key))
	}
	return common_models.Identity(raw), nil
}

func keysArg(args map[string]any) (*PublicKeys, error) {
	encB64, ok := args["encryptionPublicKey"].(string)
	if !ok {
		return nil, tracerr.Wrap(ErrorMissingArg.AddDetails("encryptionPublicKey"))
	}
	sigB64, ok := args["signingPublicKey"].(string)
	if !ok {
		return nil, tracerr.Wrap(ErrorMissingArg.AddDetails("signingPublicKey"))
	}
	encryptionKey, err := asymkey.PublicKeyFromB64(encB64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	signingKey, err := asymkey.PublicKeyFromB64(sigB64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &PublicKeys{Encryption: encryptionKey, Signing: signingKey}, nil
}

// revertError is how a reverted transaction surfaces from Wait: it matches
// ErrorTransactionReverted, and unwraps to the typed revert reason
// (ErrorAlreadyRegistered, ErrorNotADoctor, ErrorNoActiveGrant, ...), so
// callers can act on the kind with errors.Is instead of parsing a message.
type revertError struct {
	reason error
}

func (err revertError) Error() string {
	return ErrorTransactionReverted.Error() + " : " + err.reason.Error()
}

func (err revertError) Is(target error) bool {
	return errors.Is(ErrorTransactionReverted, target)
}

func (err revertError) Unwrap() error {
	return err.reason
}

type submission struct {
	From  common_models.Identity `json:"from"`
	Nonce uint64                 `json:"nonce"`
	Call  Call                   `json:"call"`
}

func hashSubmission(sub submission) (string, error) {
	encoded, err := canonicaljson.Marshal(sub)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	digest := sha256.Sum256(encoded)
	return "0x" + hex.EncodeToString(digest[:]), nil
}

type pendingTx struct {
	hash string
	done chan struct{}

	lock    sync.Mutex
	status  TxStatus
	receipt *Receipt
	err     error
}

func (tx *pendingTx) Hash() string {
	return tx.hash
}

func (tx *pendingTx) Status() TxStatus {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	return tx.status
}

func (tx *pendingTx) Wait() (*Receipt, error) {
	<-tx.done
	tx.lock.Lock()
	defer tx.lock.Unlock()
	if tx.err != nil {
		return nil, tracerr.Wrap(tx.err)
	}
	return tx.receipt, nil
}

func (tx *pendingTx) finish(receipt *Receipt, err error) {
	tx.lock.Lock()
	tx.receipt = receipt
	tx.err = err
	tx.status = TxConfirmed
	if err != nil {
		tx.status = TxFailed
	}
	tx.lock.Unlock()
	close(tx.done)
}

// submit queues a signed call for finalization. The transaction finalizes
// even if every caller abandons the returned PendingTransaction.
func (ledger *SimulatedLedger) submit(from common_models.Identity, call Call) (PendingTransaction, error) {
	ledger.lock.Lock()
	ledger.nonce++
	nonce := ledger.nonce
	ledger.lock.Unlock()

	hash, err := hashSubmission(submission{From: from, Nonce: nonce, Call: call})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	tx := &pendingTx{hash: hash, done: make(chan struct{}), status: TxPending}
	ledger.Logger.Debug().Str("tx", hash).Str("method", call.Method).Msg("Transaction submitted")

	go func() {
		if ledger.FinalityDelay > 0 {
			time.Sleep(ledger.FinalityDelay)
		}
		ledger.lock.Lock()
		applyErr := ledger.apply(from, call)
		height := ledger.height
		ledger.lock.Unlock()
		if applyErr != nil {
			ledger.Logger.Debug().Str("tx", hash).Err(applyErr).Msg("Transaction reverted")
			tx.finish(nil, tracerr.Wrap(revertError{reason: applyErr}))
			return
		}
		ledger.Logger.Debug().Str("tx", hash).Msg("Transaction confirmed")
		tx.finish(&Receipt{TxHash: hash, BlockNumber: height, Timestamp: time.Now()}, nil)
	}()

	return tx, nil
}

// LocalSigner is a Signer bound to one account of a SimulatedLedger.
type LocalSigner struct {
	ledger  *SimulatedLedger
	address common_models.Identity

	// RefuseAll makes every SignAndSend fail with ErrorTransactionRejected,
	// simulating a user dismissing the wallet prompt.
	RefuseAll bool
}

func NewLocalSigner(ledger *SimulatedLedger, address common_models.Identity) (*LocalSigner, error) {
	if err := address.Check(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &LocalSigner{ledger: ledger, address: address}, nil
}

func (signer *LocalSigner) GetAddress() common_models.Identity {
	return signer.address
}

func (signer *LocalSigner) SignAndSend(call Call) (PendingTransaction, error) {
	if signer.RefuseAll {
		return nil, tracerr.Wrap(ErrorTransactionRejected)
	}
	return signer.ledger.submit(signer.address, call)
}

var _ Backend = (*SimulatedLedger)(nil)
var _ Signer = (*LocalSigner)(nil)
