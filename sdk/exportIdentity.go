package sdk

import (
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrorImportNotRegistered is returned when importing an identity whose address is not registered on the ledger
	ErrorImportNotRegistered = utils.NewMedChainError("SDK_IMPORT_NOT_REGISTERED", "imported identity is not registered on the ledger")
	// ErrorImportKeyMismatch is returned when the imported private keys do not match the public keys published on the ledger
	ErrorImportKeyMismatch = utils.NewMedChainError("SDK_IMPORT_KEY_MISMATCH", "imported keys do not match the published public keys")
	// ErrorImportWrongSigner is returned when the imported identity does not belong to this instance's signer
	ErrorImportWrongSigner = utils.NewMedChainError("SDK_IMPORT_WRONG_SIGNER", "imported identity belongs to another address")
)

// ExportIdentity exports this instance's registered identity, private keys
// included, so it can be imported on another device with ImportIdentity.
//
// The export contains key material: treat it like the keys themselves, and
// store it encrypted (FileStorage already encrypts its copy at rest).
func (state *State) ExportIdentity() ([]byte, error) {
	state.locks.identityLock.RLock()
	defer state.locks.identityLock.RUnlock()
	err := state.checkSdkState(true)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	b, err := bson.Marshal(identity)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return b, nil
}

// ImportIdentity loads an identity export into the current SDK instance.
// This function can only be called if the current SDK instance has not
// registered yet.
//
// The export is checked against the authoritative ledger before being
// accepted: the address must be registered with the exported role, the
// private keys must match the published public keys, and the address must be
// the one this instance's signer controls. A stolen or stale export which
// fails any of these checks leaves the instance untouched.
func (state *State) ImportIdentity(exported []byte) error {
	state.locks.identityLock.Lock()
	defer state.locks.identityLock.Unlock()
	err := state.checkSdkState(false)
	if err != nil {
		return tracerr.Wrap(err)
	}

	var identity localIdentity
	err = bson.Unmarshal(exported, &identity)
	if err != nil {
		return tracerr.Wrap(err)
	}
	err = identity.Address.Check()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if identity.Address != state.options.Signer.GetAddress() {
		return tracerr.Wrap(ErrorImportWrongSigner.AddDetails(identity.Address.Format()))
	}

	role, err := state.options.Backend.GetRole(identity.Address)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if role == common_models.RoleUnregistered || role != identity.Role {
		return tracerr.Wrap(ErrorImportNotRegistered.AddDetails(identity.Address.Format()))
	}

	publishedKeys, err := state.options.Backend.GetPublicKeys(identity.Address)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if identity.EncryptionKey == nil || identity.SigningKey == nil ||
		identity.EncryptionKey.Public().ToB64() != publishedKeys.Encryption.ToB64() ||
		identity.SigningKey.Public().ToB64() != publishedKeys.Signing.ToB64() {
		return tracerr.Wrap(ErrorImportKeyMismatch)
	}

	state.storage.identity.set(&identity)
	err = state.saveIdentity()
	if err != nil {
		return tracerr.Wrap(err)
	}

	state.logger.Info().Str("address", identity.Address.Format()).Str("role", identity.Role.String()).Msg("Identity imported")
	return nil
}
