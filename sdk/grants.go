package sdk

import (
	"errors"
	"time"

	"github.com/medchain/go-medchain-sdk/chain"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

// GrantAccess authorizes a doctor to access this patient's records. The grant
// only exists once the ledger has confirmed it: the local cache is updated
// after confirmation, never before, so a crash between submission and
// confirmation can only lose cache freshness, never invent an authorization.
//
// Granting to an already-authorized doctor is a no-op which succeeds: the
// ledger keeps a single active grant fact per (patient, doctor) pair.
func (state *State) GrantAccess(doctor common_models.Identity) (*chain.Receipt, error) {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = doctor.Check()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.locks.grantsLockGroup.Lock(string(doctor))
	defer state.locks.grantsLockGroup.Unlock(string(doctor))

	state.logger.Debug().Str("doctor", doctor.Format()).Msg("Granting access...")

	tx, err := state.options.Signer.SignAndSend(chain.Call{
		Target: contractTarget,
		Method: chain.MethodGrantAccess,
		Args:   map[string]any{"doctor": string(doctor)},
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	receipt, err := tx.Wait()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	err = state.refreshGrantCache(receipt.Timestamp, doctor, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Info().Str("doctor", doctor.Format()).Str("tx", receipt.TxHash).Msg("Access granted")
	return receipt, nil
}

// RevokeAccess withdraws a doctor's authorization. Revoking without an active
// grant fails with chain.ErrorTransactionReverted. Revocation does not delete
// history: the grant fact stays in the ledger with its revocation time set.
func (state *State) RevokeAccess(doctor common_models.Identity) (*chain.Receipt, error) {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = doctor.Check()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.locks.grantsLockGroup.Lock(string(doctor))
	defer state.locks.grantsLockGroup.Unlock(string(doctor))

	state.logger.Debug().Str("doctor", doctor.Format()).Msg("Revoking access...")

	tx, err := state.options.Signer.SignAndSend(chain.Call{
		Target: contractTarget,
		Method: chain.MethodRevokeAccess,
		Args:   map[string]any{"doctor": string(doctor)},
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	receipt, err := tx.Wait()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	revokedAt := receipt.Timestamp
	err = state.refreshGrantCache(receipt.Timestamp, doctor, &revokedAt)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Info().Str("doctor", doctor.Format()).Str("tx", receipt.TxHash).Msg("Access revoked")
	return receipt, nil
}

// refreshGrantCache updates the local projection after a confirmed grant or
// revoke. The authoritative history is preferred; if the backend became
// unreachable right after confirmation, the cache is patched locally with the
// fact we just got confirmed, and the next reconciliation squares it.
func (state *State) refreshGrantCache(confirmedAt time.Time, doctor common_models.Identity, revokedAt *time.Time) error {
	identity := state.storage.identity.get()

	history, err := state.options.Backend.GrantHistory(identity.Address)
	if err == nil {
		state.storage.grants.lock.Lock()
		state.storage.grants.grants[identity.Address] = history
		state.storage.grants.lock.Unlock()
		return tracerr.Wrap(state.saveGrants())
	}
	if !errors.Is(err, chain.ErrorBackendUnreachable) {
		return tracerr.Wrap(err)
	}

	state.logger.Warn().Msg("Backend unreachable after confirmation, patching grant cache locally")
	state.storage.grants.lock.Lock()
	grants := state.storage.grants.grants[identity.Address]
	patched := false
	for i := range grants {
		if grants[i].Doctor == doctor && grants[i].Active() {
			if revokedAt != nil {
				grants[i].RevokedAt = revokedAt
			}
			patched = true
			break
		}
	}
	if !patched && revokedAt == nil {
		grants = append(grants, common_models.Grant{Patient: identity.Address, Doctor: doctor, GrantedAt: confirmedAt})
	}
	state.storage.grants.grants[identity.Address] = grants
	state.storage.grants.lock.Unlock()
	return tracerr.Wrap(state.saveGrants())
}

// ReconcileGrants replaces the local grant cache with the authoritative
// history. The ledger always wins: local facts absent from the ledger are
// dropped, not merged.
func (state *State) ReconcileGrants() error {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	history, err := state.options.Backend.GrantHistory(identity.Address)
	if err != nil {
		return tracerr.Wrap(err)
	}

	state.storage.grants.lock.Lock()
	state.storage.grants.grants[identity.Address] = history
	state.storage.grants.lock.Unlock()

	return tracerr.Wrap(state.saveGrants())
}

// IsAuthorized asks the authoritative ledger whether the doctor currently
// holds an active grant from the patient. This read never falls back to the
// cache: when the backend is unreachable the answer is a failure, not a
// stale yes.
func (state *State) IsAuthorized(patient common_models.Identity, doctor common_models.Identity) (bool, error) {
	if state.closed {
		return false, tracerr.Wrap(ErrorSdkClosed)
	}
	err := patient.Check()
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	err = doctor.Check()
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	authorized, err := state.options.Backend.IsAuthorized(patient, doctor)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	return authorized, nil
}

// ListAuthorizedDoctors returns the doctors currently authorized by this
// patient. The ledger is asked first; when unreachable, the view is computed
// from the local cache and marked Stale. A stale view is display-only: it
// must never back a security decision.
func (state *State) ListAuthorizedDoctors() (*AuthorizationView, error) {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	doctors, err := state.options.Backend.ActiveDoctors(identity.Address)
	if err == nil {
		return &AuthorizationView{Patient: identity.Address, Doctors: doctors}, nil
	}
	if !errors.Is(err, chain.ErrorBackendUnreachable) {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Warn().Msg("Backend unreachable, listing doctors from stale cache")
	state.storage.grants.lock.RLock()
	defer state.storage.grants.lock.RUnlock()
	var cached []common_models.Identity
	for _, grant := range state.storage.grants.grants[identity.Address] {
		if grant.Active() {
			cached = append(cached, grant.Doctor)
		}
	}
	return &AuthorizationView{Patient: identity.Address, Doctors: utils.UniqueSlice(cached), Stale: true}, nil
}

// ListAuthorizedPatients returns the patients who currently authorize this
// doctor. Same staleness contract as ListAuthorizedDoctors.
func (state *State) ListAuthorizedPatients() (*AuthorizationView, error) {
	err := state.requireRole(common_models.RoleDoctor)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	patients, err := state.options.Backend.ActivePatients(identity.Address)
	if err == nil {
		// keep a projection around, so an offline restart can still show
		// something (marked stale)
		state.storage.grants.lock.Lock()
		state.storage.grants.grants = make(map[common_models.Identity][]common_models.Grant)
		for _, patient := range patients {
			state.storage.grants.grants[patient] = []common_models.Grant{{Patient: patient, Doctor: identity.Address, GrantedAt: time.Now()}}
		}
		state.storage.grants.lock.Unlock()
		saveErr := state.saveGrants()
		if saveErr != nil {
			state.logger.Warn().Err(saveErr).Msg("Could not persist grant projection")
		}
		return &AuthorizationView{Doctor: identity.Address, Patients: patients}, nil
	}
	if !errors.Is(err, chain.ErrorBackendUnreachable) {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Warn().Msg("Backend unreachable, listing patients from stale cache")
	state.storage.grants.lock.RLock()
	defer state.storage.grants.lock.RUnlock()
	var cached []common_models.Identity
	for patient, grants := range state.storage.grants.grants {
		for _, grant := range grants {
			if grant.Doctor == identity.Address && grant.Active() {
				cached = append(cached, patient)
				break
			}
		}
	}
	return &AuthorizationView{Doctor: identity.Address, Patients: utils.UniqueSlice(cached), Stale: true}, nil
}

// GrantHistory returns this patient's full grant history from the ledger,
// revoked facts included.
func (state *State) GrantHistory() ([]common_models.Grant, error) {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()
	history, err := state.options.Backend.GrantHistory(identity.Address)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return history, nil
}
