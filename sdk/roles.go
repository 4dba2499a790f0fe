package sdk

import (
	"github.com/medchain/go-medchain-sdk/asymkey"
	"github.com/medchain/go-medchain-sdk/chain"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

// contractTarget is the name of the deployed roles/access contract.
const contractTarget = "medchain"

var (
	// ErrorRegisterInvalidRole is returned when trying to register with a role which cannot be self-assigned
	ErrorRegisterInvalidRole = utils.NewMedChainError("SDK_REGISTER_INVALID_ROLE", "this role cannot be registered")
)

// Register assigns the given role to the signer's address, once and for all.
// It generates this identity's encryption and signing key pairs and publishes
// their public halves alongside the role, so that other participants can wrap
// record keys for it and verify its release envelopes.
//
// Registration is one-time: a second call, from this instance or any other,
// fails. The local identity is only persisted after the ledger has confirmed
// the transaction, so a rejected registration leaves no trace.
func (state *State) Register(role common_models.Role) (*chain.Receipt, error) {
	state.locks.identityLock.Lock()
	defer state.locks.identityLock.Unlock()

	err := state.checkSdkState(false)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if !role.Registrable() {
		return nil, tracerr.Wrap(ErrorRegisterInvalidRole.AddDetails(role.String()))
	}

	address := state.options.Signer.GetAddress()
	err = address.Check()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Debug().Str("role", role.String()).Msg("Registering...")

	encryptionKey, err := asymkey.Generate(state.options.KeySize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	signingKey, err := asymkey.Generate(state.options.KeySize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	tx, err := state.options.Signer.SignAndSend(chain.Call{
		Target: contractTarget,
		Method: chain.MethodRegisterUser,
		Args: map[string]any{
			"roleId":              role,
			"encryptionPublicKey": encryptionKey.Public().ToB64(),
			"signingPublicKey":    signingKey.Public().ToB64(),
		},
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	receipt, err := tx.Wait()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.storage.identity.set(&localIdentity{
		Address:       address,
		Role:          role,
		EncryptionKey: encryptionKey,
		SigningKey:    signingKey,
		RegisteredAt:  receipt.Timestamp,
	})
	err = state.saveIdentity()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Info().Str("role", role.String()).Str("tx", receipt.TxHash).Msg("Registered")
	return receipt, nil
}

// CurrentIdentity returns the address and role this instance acts as.
// Role is RoleUnregistered when the instance has not registered yet.
func (state *State) CurrentIdentity() (common_models.Identity, common_models.Role, error) {
	if state.closed {
		return "", common_models.RoleUnregistered, tracerr.Wrap(ErrorSdkClosed)
	}
	identity := state.storage.identity.get()
	if identity == nil {
		return state.options.Signer.GetAddress(), common_models.RoleUnregistered, nil
	}
	return identity.Address, identity.Role, nil
}

// GetRole queries the authoritative ledger for the role of any identity.
// An unregistered identity yields RoleUnregistered, not an error.
func (state *State) GetRole(identity common_models.Identity) (common_models.Role, error) {
	if state.closed {
		return common_models.RoleUnregistered, tracerr.Wrap(ErrorSdkClosed)
	}
	err := identity.Check()
	if err != nil {
		return common_models.RoleUnregistered, tracerr.Wrap(err)
	}
	role, err := state.options.Backend.GetRole(identity)
	if err != nil {
		return common_models.RoleUnregistered, tracerr.Wrap(err)
	}
	return role, nil
}

// IsRegistered queries the authoritative ledger for whether an identity has
// registered a role.
func (state *State) IsRegistered(identity common_models.Identity) (bool, error) {
	if state.closed {
		return false, tracerr.Wrap(ErrorSdkClosed)
	}
	err := identity.Check()
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	registered, err := state.options.Backend.IsRegistered(identity)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	return registered, nil
}
