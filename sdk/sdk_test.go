package sdk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/medchain/go-medchain-sdk/chain"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/content_store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ztrue/tracerr"
)

var (
	patientAddress = common_models.Identity("0x1111111111111111111111111111111111111111")
	doctorAddress  = common_models.Identity("0x2222222222222222222222222222222222222222")
	otherAddress   = common_models.Identity("0x3333333333333333333333333333333333333333")
)

type testWorld struct {
	ledger *chain.SimulatedLedger
	store  *content_store.MemoryStore
}

func newTestWorld() *testWorld {
	return &testWorld{
		ledger: chain.NewSimulatedLedger(zerolog.Nop()),
		store:  content_store.NewMemoryStore(),
	}
}

func (w *testWorld) newInstance(t *testing.T, address common_models.Identity, name string) *State {
	signer, err := chain.NewLocalSigner(w.ledger, address)
	require.NoError(t, err)
	state, err := Initialize(&InitializeOptions{
		Database:     &MemoryStorage{},
		ContentStore: w.store,
		Signer:       signer,
		Backend:      w.ledger,
		KeySize:      2048,
		LogLevel:     zerolog.Disabled,
		InstanceName: name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })
	return state
}

func registeredPatient(t *testing.T, w *testWorld) *State {
	patient := w.newInstance(t, patientAddress, "patient")
	_, err := patient.Register(common_models.RolePatient)
	require.NoError(t, err)
	return patient
}

func registeredDoctor(t *testing.T, w *testWorld) *State {
	doctor := w.newInstance(t, doctorAddress, "doctor")
	_, err := doctor.Register(common_models.RoleDoctor)
	require.NoError(t, err)
	return doctor
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	w := newTestWorld()
	signer, err := chain.NewLocalSigner(w.ledger, patientAddress)
	require.NoError(t, err)

	t.Run("requires a database", func(t *testing.T) {
		_, err := Initialize(&InitializeOptions{ContentStore: w.store, Signer: signer, Backend: w.ledger})
		assert.ErrorIs(t, err, ErrorDatabaseRequired)
	})

	t.Run("requires a content store", func(t *testing.T) {
		_, err := Initialize(&InitializeOptions{Database: &MemoryStorage{}, Signer: signer, Backend: w.ledger})
		assert.ErrorIs(t, err, ErrorContentStoreRequired)
	})

	t.Run("requires a signer", func(t *testing.T) {
		_, err := Initialize(&InitializeOptions{Database: &MemoryStorage{}, ContentStore: w.store, Backend: w.ledger})
		assert.ErrorIs(t, err, ErrorSignerRequired)
	})

	t.Run("requires a backend", func(t *testing.T) {
		_, err := Initialize(&InitializeOptions{Database: &MemoryStorage{}, ContentStore: w.store, Signer: signer})
		assert.ErrorIs(t, err, ErrorBackendRequired)
	})

	t.Run("rejects invalid key sizes", func(t *testing.T) {
		_, err := Initialize(&InitializeOptions{Database: &MemoryStorage{}, ContentStore: w.store, Signer: signer, Backend: w.ledger, KeySize: 1234})
		assert.ErrorIs(t, err, ErrorInvalidKeySize)
	})

	t.Run("closed instance refuses operations", func(t *testing.T) {
		w := newTestWorld()
		state := w.newInstance(t, patientAddress, "closing")
		require.NoError(t, state.Close())
		_, err := state.Register(common_models.RolePatient)
		assert.ErrorIs(t, err, ErrorSdkClosed)
		// Close is idempotent
		assert.NoError(t, state.Close())
	})
}

func TestRegistration(t *testing.T) {
	t.Parallel()

	t.Run("registers once and persists the role", func(t *testing.T) {
		w := newTestWorld()
		patient := w.newInstance(t, patientAddress, "patient")

		address, role, err := patient.CurrentIdentity()
		require.NoError(t, err)
		assert.Equal(t, patientAddress, address)
		assert.Equal(t, common_models.RoleUnregistered, role)

		receipt, err := patient.Register(common_models.RolePatient)
		require.NoError(t, err)
		assert.NotEmpty(t, receipt.TxHash)

		_, role, err = patient.CurrentIdentity()
		require.NoError(t, err)
		assert.Equal(t, common_models.RolePatient, role)

		ledgerRole, err := patient.GetRole(patientAddress)
		require.NoError(t, err)
		assert.Equal(t, common_models.RolePatient, ledgerRole)

		registered, err := patient.IsRegistered(patientAddress)
		require.NoError(t, err)
		assert.True(t, registered)
	})

	t.Run("second registration from the same instance fails locally", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		_, err := patient.Register(common_models.RoleDoctor)
		assert.ErrorIs(t, err, ErrorRequireNoRegistration)
	})

	t.Run("second registration from another instance reverts on the ledger", func(t *testing.T) {
		w := newTestWorld()
		registeredPatient(t, w)
		second := w.newInstance(t, patientAddress, "patient-again")
		_, err := second.Register(common_models.RoleDoctor)
		assert.ErrorIs(t, err, chain.ErrorTransactionReverted)
		assert.ErrorIs(t, err, chain.ErrorAlreadyRegistered)
	})

	t.Run("unregistered roles cannot be self-assigned", func(t *testing.T) {
		w := newTestWorld()
		patient := w.newInstance(t, patientAddress, "patient")
		_, err := patient.Register(common_models.RoleUnregistered)
		assert.ErrorIs(t, err, ErrorRegisterInvalidRole)
	})

	t.Run("insurance providers register like any other role", func(t *testing.T) {
		w := newTestWorld()
		insurer := w.newInstance(t, otherAddress, "insurer")
		_, err := insurer.Register(common_models.RoleInsurance)
		require.NoError(t, err)

		role, err := insurer.GetRole(otherAddress)
		require.NoError(t, err)
		assert.Equal(t, common_models.RoleInsurance, role)

		// no grant privileges come with the role
		_, err = insurer.UploadRecord([]byte("x"), UploadOptions{Name: "x"})
		assert.ErrorIs(t, err, ErrorRequirePatient)
		_, err = insurer.ListAuthorizedPatients()
		assert.ErrorIs(t, err, ErrorRequireDoctor)
	})

	t.Run("role checks never pass silently on a mismatch", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		err := patient.requireRole(common_models.RoleInsurance)
		assert.ErrorIs(t, err, ErrorRequireRole)
		assert.NoError(t, patient.requireRole(common_models.RolePatient))
	})

	t.Run("never-seen identities read as unregistered", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		role, err := patient.GetRole(otherAddress)
		require.NoError(t, err)
		assert.Equal(t, common_models.RoleUnregistered, role)
		registered, err := patient.IsRegistered(otherAddress)
		require.NoError(t, err)
		assert.False(t, registered)
	})
}

func TestRecords(t *testing.T) {
	t.Parallel()

	t.Run("upload and fetch round trip", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)

		plaintext := []byte("blood panel results")
		descriptor, err := patient.UploadRecord(plaintext, UploadOptions{Name: "panel.pdf", Description: "yearly checkup", MimeType: "application/pdf"})
		require.NoError(t, err)
		assert.NotEmpty(t, descriptor.ContentId)
		assert.NotEmpty(t, descriptor.MetadataContentId)
		assert.Equal(t, int64(1), descriptor.Id)
		assert.Equal(t, int64(len(plaintext)), descriptor.SizeBytes)

		fetched, err := patient.FetchRecord(descriptor.Id)
		require.NoError(t, err)
		assert.Equal(t, plaintext, fetched)
	})

	t.Run("listing is stable and in upload order", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)

		names := []string{"first.txt", "second.txt", "third.txt"}
		for _, name := range names {
			_, err := patient.UploadRecord([]byte(name), UploadOptions{Name: name})
			require.NoError(t, err)
		}

		records, err := patient.ListRecords()
		require.NoError(t, err)
		require.Len(t, records, len(names))
		for i, record := range records {
			assert.Equal(t, names[i], record.Name)
			assert.Equal(t, int64(i+1), record.Id)
		}

		again, err := patient.ListRecords()
		require.NoError(t, err)
		assert.Equal(t, records, again)
	})

	t.Run("metadata document is readable off-band", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		descriptor, err := patient.UploadRecord([]byte("scan"), UploadOptions{Name: "scan.png", MimeType: "image/png"})
		require.NoError(t, err)

		metadata, err := patient.FetchRecordMetadata(descriptor.MetadataContentId)
		require.NoError(t, err)
		assert.Equal(t, "scan.png", metadata.Name)
		assert.Equal(t, "image/png", metadata.MimeType)
		assert.Equal(t, patientAddress, metadata.Owner)
	})

	t.Run("stored payload is ciphertext", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		plaintext := []byte("very sensitive diagnosis")
		descriptor, err := patient.UploadRecord(plaintext, UploadOptions{Name: "diagnosis.txt"})
		require.NoError(t, err)

		stored, err := w.store.Get(descriptor.ContentId)
		require.NoError(t, err)
		assert.NotContains(t, string(stored), "sensitive")
		assert.NotEqual(t, plaintext, stored)
	})

	t.Run("rejects empty names", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		_, err := patient.UploadRecord([]byte("x"), UploadOptions{Name: "   "})
		assert.ErrorIs(t, err, ErrorUploadEmptyName)
	})

	t.Run("doctors cannot upload", func(t *testing.T) {
		w := newTestWorld()
		doctor := registeredDoctor(t, w)
		_, err := doctor.UploadRecord([]byte("x"), UploadOptions{Name: "x"})
		assert.ErrorIs(t, err, ErrorRequirePatient)
	})

	t.Run("unknown record id", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		_, err := patient.FetchRecord(42)
		assert.ErrorIs(t, err, ErrorUnknownRecord)
	})

	t.Run("a failed index write is rolled back and retried cleanly", func(t *testing.T) {
		w := newTestWorld()
		signer, err := chain.NewLocalSigner(w.ledger, patientAddress)
		require.NoError(t, err)
		db := &failingRecordsStorage{}
		patient, err := Initialize(&InitializeOptions{
			Database:     db,
			ContentStore: w.store,
			Signer:       signer,
			Backend:      w.ledger,
			KeySize:      2048,
			LogLevel:     zerolog.Disabled,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = patient.Close() })
		_, err = patient.Register(common_models.RolePatient)
		require.NoError(t, err)

		db.failWrites = 1
		_, err = patient.UploadRecord([]byte("scan"), UploadOptions{Name: "scan.png"})
		require.Error(t, err)

		// the failed upload must not be listed as committed
		records, err := patient.ListRecords()
		require.NoError(t, err)
		assert.Empty(t, records)

		// the retry appends exactly one descriptor
		descriptor, err := patient.UploadRecord([]byte("scan"), UploadOptions{Name: "scan.png"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), descriptor.Id)
		records, err = patient.ListRecords()
		require.NoError(t, err)
		require.Len(t, records, 1)
	})
}

// failingRecordsStorage fails record writes on demand, simulating a full or
// faulty disk under the cache.
type failingRecordsStorage struct {
	MemoryStorage
	failWrites int
}

func (f *failingRecordsStorage) writeRecords(storage *recordsStorage) error {
	if f.failWrites > 0 {
		f.failWrites--
		return tracerr.Wrap(errors.New("disk full"))
	}
	return f.MemoryStorage.writeRecords(storage)
}

func TestGrants(t *testing.T) {
	t.Parallel()

	t.Run("authorization lifecycle", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		authorized, err := patient.IsAuthorized(patientAddress, doctorAddress)
		require.NoError(t, err)
		assert.False(t, authorized)

		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		authorized, err = patient.IsAuthorized(patientAddress, doctorAddress)
		require.NoError(t, err)
		assert.True(t, authorized)

		view, err := patient.ListAuthorizedDoctors()
		require.NoError(t, err)
		assert.False(t, view.Stale)
		assert.Contains(t, view.Doctors, doctorAddress)

		_, err = patient.RevokeAccess(doctorAddress)
		require.NoError(t, err)

		authorized, err = patient.IsAuthorized(patientAddress, doctorAddress)
		require.NoError(t, err)
		assert.False(t, authorized)

		view, err = patient.ListAuthorizedDoctors()
		require.NoError(t, err)
		assert.NotContains(t, view.Doctors, doctorAddress)

		history, err := patient.GrantHistory()
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.False(t, history[0].Active())
		assert.NotNil(t, history[0].RevokedAt)
	})

	t.Run("granting to a non-doctor reverts", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		_, err := patient.GrantAccess(otherAddress)
		assert.ErrorIs(t, err, chain.ErrorTransactionReverted)
		assert.ErrorIs(t, err, chain.ErrorNotADoctor)
	})

	t.Run("granting twice is an idempotent success", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		_, err := patient.GrantAccess(doctorAddress)
		require.NoError(t, err)
		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		history, err := patient.GrantHistory()
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("revoking without an active grant reverts", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)
		_, err := patient.RevokeAccess(doctorAddress)
		assert.ErrorIs(t, err, chain.ErrorTransactionReverted)
		assert.ErrorIs(t, err, chain.ErrorNoActiveGrant)
	})

	t.Run("re-grant after revoke creates a new grant fact", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		_, err := patient.GrantAccess(doctorAddress)
		require.NoError(t, err)
		_, err = patient.RevokeAccess(doctorAddress)
		require.NoError(t, err)
		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		history, err := patient.GrantHistory()
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.False(t, history[0].Active())
		assert.True(t, history[1].Active())
	})

	t.Run("concurrent grants leave exactly one active fact", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = patient.GrantAccess(doctorAddress)
			}(i)
		}
		wg.Wait()
		assert.NoError(t, errs[0])
		assert.NoError(t, errs[1])

		history, err := patient.GrantHistory()
		require.NoError(t, err)
		active := 0
		for _, grant := range history {
			if grant.Active() {
				active++
			}
		}
		assert.Equal(t, 1, active)
		assert.Len(t, history, 1)
	})

	t.Run("listings fall back to a stale cache when the backend is unreachable", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		_, err := patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		w.ledger.SetOffline(true)
		defer w.ledger.SetOffline(false)

		view, err := patient.ListAuthorizedDoctors()
		require.NoError(t, err)
		assert.True(t, view.Stale)
		assert.Contains(t, view.Doctors, doctorAddress)
	})

	t.Run("authorization fails closed when the backend is unreachable", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		_, err := patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		w.ledger.SetOffline(true)
		defer w.ledger.SetOffline(false)

		_, err = patient.IsAuthorized(patientAddress, doctorAddress)
		assert.ErrorIs(t, err, chain.ErrorBackendUnreachable)
	})

	t.Run("doctor lists authorizing patients", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		doctor := registeredDoctor(t, w)

		_, err := patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		view, err := doctor.ListAuthorizedPatients()
		require.NoError(t, err)
		assert.Contains(t, view.Patients, patientAddress)
		assert.False(t, view.Stale)

		w.ledger.SetOffline(true)
		defer w.ledger.SetOffline(false)

		view, err = doctor.ListAuthorizedPatients()
		require.NoError(t, err)
		assert.True(t, view.Stale)
		assert.Contains(t, view.Patients, patientAddress)
	})
}

func TestAccess(t *testing.T) {
	t.Parallel()

	t.Run("full sharing scenario", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		doctor := registeredDoctor(t, w)

		plaintext := make([]byte, 10*1024)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		descriptor, err := patient.UploadRecord(plaintext, UploadOptions{Name: "mri.png", MimeType: "image/png"})
		require.NoError(t, err)
		assert.NotEmpty(t, descriptor.ContentId)

		// before any grant, no key release and no fetch
		_, err = patient.WrapRecordKey(descriptor.Id, doctorAddress)
		assert.ErrorIs(t, err, ErrorNotAuthorized)

		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		envelope, err := patient.WrapRecordKey(descriptor.Id, doctorAddress)
		require.NoError(t, err)

		fetched, err := doctor.FetchSharedRecord(envelope)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, fetched))

		_, err = patient.RevokeAccess(doctorAddress)
		require.NoError(t, err)

		// the ciphertext still exists, the envelope is still valid, but the
		// grant is gone: access is denied at call time
		_, err = doctor.FetchSharedRecord(envelope)
		assert.ErrorIs(t, err, ErrorNotAuthorized)
	})

	t.Run("envelope can be inspected without fetching", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		doctor := registeredDoctor(t, w)

		descriptor, err := patient.UploadRecord([]byte("notes"), UploadOptions{Name: "notes.txt", Description: "visit notes"})
		require.NoError(t, err)
		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)
		envelope, err := patient.WrapRecordKey(descriptor.Id, doctorAddress)
		require.NoError(t, err)

		released, err := doctor.OpenEnvelope(envelope)
		require.NoError(t, err)
		assert.Equal(t, patientAddress, released.Patient)
		assert.Equal(t, descriptor.ContentId, released.ContentId)

		metadata, err := doctor.FetchRecordMetadata(released.MetadataContentId)
		require.NoError(t, err)
		assert.Equal(t, "notes.txt", metadata.Name)
	})

	t.Run("envelope addressed to another doctor is rejected", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		secondDoctor := w.newInstance(t, otherAddress, "second-doctor")
		_, err := secondDoctor.Register(common_models.RoleDoctor)
		require.NoError(t, err)

		descriptor, err := patient.UploadRecord([]byte("confidential"), UploadOptions{Name: "x.txt"})
		require.NoError(t, err)
		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)
		envelope, err := patient.WrapRecordKey(descriptor.Id, doctorAddress)
		require.NoError(t, err)

		_, err = secondDoctor.OpenEnvelope(envelope)
		assert.ErrorIs(t, err, ErrorEnvelopeWrongRecipient)
	})

	t.Run("tampered envelope is rejected", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		doctor := registeredDoctor(t, w)

		descriptor, err := patient.UploadRecord([]byte("confidential"), UploadOptions{Name: "x.txt"})
		require.NoError(t, err)
		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)
		envelope, err := patient.WrapRecordKey(descriptor.Id, doctorAddress)
		require.NoError(t, err)

		tampered := envelope[:len(envelope)-2] + "xx"
		_, err = doctor.OpenEnvelope(tampered)
		assert.ErrorIs(t, err, ErrorEnvelopeInvalid)
	})

	t.Run("key release fails closed when the backend is unreachable", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		registeredDoctor(t, w)

		descriptor, err := patient.UploadRecord([]byte("confidential"), UploadOptions{Name: "x.txt"})
		require.NoError(t, err)
		_, err = patient.GrantAccess(doctorAddress)
		require.NoError(t, err)

		w.ledger.SetOffline(true)
		defer w.ledger.SetOffline(false)

		_, err = patient.WrapRecordKey(descriptor.Id, doctorAddress)
		assert.ErrorIs(t, err, chain.ErrorBackendUnreachable)
	})

	t.Run("patients cannot open envelopes", func(t *testing.T) {
		w := newTestWorld()
		patient := registeredPatient(t, w)
		_, err := patient.OpenEnvelope("whatever")
		assert.ErrorIs(t, err, ErrorRequireDoctor)
	})
}
