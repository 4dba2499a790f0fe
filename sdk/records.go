package sdk

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/content_store"
	"github.com/medchain/go-medchain-sdk/record_cipher"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorUploadEmptyName is returned when uploading a record with an empty name
	ErrorUploadEmptyName = utils.NewMedChainError("SDK_UPLOAD_EMPTY_NAME", "record name cannot be empty")
	// ErrorUnknownRecord is returned when no record with the given id exists in the index
	ErrorUnknownRecord = utils.NewMedChainError("SDK_UNKNOWN_RECORD", "unknown record id")
)

// UploadOptions describes the record to upload. Name is required; the other
// metadata fields are free-form and become part of the public metadata
// document.
type UploadOptions struct {
	Name        string
	Description string
	MimeType    string
}

// UploadRecord encrypts the given plaintext with a fresh record key, stores
// the ciphertext in the content store, stores the public metadata document
// next to it, and appends an immutable descriptor to the local index.
//
// The plaintext never leaves this process: the content store only ever sees
// ciphertext, and the record key only ever lives in this patient's local
// storage. If the index write fails after the content was stored, the upload
// fails and the orphaned ciphertext stays in the store, unreadable without
// the key which was never persisted.
func (state *State) UploadRecord(plaintext []byte, options UploadOptions) (*RecordDescriptor, error) {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	name := strings.TrimSpace(utils.NormalizeString(options.Name))
	if name == "" {
		return nil, tracerr.Wrap(ErrorUploadEmptyName)
	}
	description := utils.NormalizeString(options.Description)
	identity := state.storage.identity.get()

	key, err := record_cipher.Generate()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encryptedData, err := key.Encrypt(plaintext)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Debug().Str("name", name).Int("size", len(plaintext)).Msg("Uploading record...")

	contentId, err := state.options.ContentStore.Put(encryptedData)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	createdAt := time.Now()
	metadata := RecordMetadata{
		Name:        name,
		Description: description,
		MimeType:    options.MimeType,
		SizeBytes:   int64(len(plaintext)),
		CreatedAt:   createdAt,
		Owner:       identity.Address,
	}
	marshalledMetadata, err := json.Marshal(metadata)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	metadataContentId, err := state.options.ContentStore.Put(marshalledMetadata)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.locks.recordsLock.Lock()
	defer state.locks.recordsLock.Unlock()

	state.storage.records.lock.Lock()
	records := state.storage.records.records[identity.Address]
	var nextId int64 = 1
	if len(records) > 0 {
		nextId = records[len(records)-1].Id + 1
	}
	descriptor := RecordDescriptor{
		Id:                nextId,
		Owner:             identity.Address,
		ContentId:         contentId,
		MetadataContentId: metadataContentId,
		Name:              name,
		Description:       description,
		MimeType:          options.MimeType,
		SizeBytes:         int64(len(plaintext)),
		CreatedAt:         createdAt,
		EncryptionKey:     key.Encode(),
	}
	state.storage.records.records[identity.Address] = append(records, descriptor)
	state.storage.records.lock.Unlock()

	err = state.saveRecords()
	if err != nil {
		// roll the append back: the index must only ever list committed
		// uploads, and a retry must not find a half-appended descriptor.
		// The orphaned ciphertext stays in the store, unreadable without
		// the key, which is discarded with the descriptor.
		state.storage.records.lock.Lock()
		state.storage.records.records[identity.Address] = records
		state.storage.records.lock.Unlock()
		return nil, tracerr.Wrap(err)
	}

	state.logger.Info().Str("name", name).Int64("id", descriptor.Id).Str("content", string(contentId)).Msg("Record uploaded")
	return &descriptor, nil
}

// ListRecords returns this patient's record descriptors, in upload order.
// Descriptors include the record keys: use RecordDescriptor.Public before
// showing or sharing one.
func (state *State) ListRecords() ([]RecordDescriptor, error) {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	state.storage.records.lock.RLock()
	defer state.storage.records.lock.RUnlock()
	records := state.storage.records.records[identity.Address]
	result := make([]RecordDescriptor, len(records))
	copy(result, records)
	return result, nil
}

// GetRecord returns one of this patient's descriptors by id.
func (state *State) GetRecord(id int64) (*RecordDescriptor, error) {
	err := state.requireRole(common_models.RolePatient)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	state.storage.records.lock.RLock()
	defer state.storage.records.lock.RUnlock()
	for _, descriptor := range state.storage.records.records[identity.Address] {
		if descriptor.Id == id {
			result := descriptor
			return &result, nil
		}
	}
	return nil, tracerr.Wrap(ErrorUnknownRecord.AddDetails(strconv.FormatInt(id, 10)))
}

// fetchContent retrieves content from the store, retrying on transient
// unavailability: content-addressed stores can take a moment to propagate a
// freshly added blob.
func (state *State) fetchContent(contentId content_store.ContentId) ([]byte, error) {
	return utils.WithRetry(
		state.options.FetchRetryAttempts,
		state.options.FetchRetryBaseDelay,
		func(err error) bool { return errors.Is(err, content_store.ErrorContentUnavailable) },
		func() ([]byte, error) {
			return state.options.ContentStore.Get(contentId)
		},
	)
}

// FetchRecord retrieves and decrypts one of this patient's own records.
func (state *State) FetchRecord(id int64) ([]byte, error) {
	descriptor, err := state.GetRecord(id)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	key, err := record_cipher.Decode(descriptor.EncryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encryptedData, err := state.fetchContent(descriptor.ContentId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	plaintext, err := key.Decrypt(encryptedData)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return plaintext, nil
}

// FetchRecordMetadata retrieves the public metadata document of a record.
// Metadata is not encrypted: any participant who knows the content id can
// read it, which is what lets a doctor see what a shared record is before
// fetching the payload.
func (state *State) FetchRecordMetadata(metadataContentId content_store.ContentId) (*RecordMetadata, error) {
	if state.closed {
		return nil, tracerr.Wrap(ErrorSdkClosed)
	}
	raw, err := state.fetchContent(metadataContentId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var metadata RecordMetadata
	err = json.Unmarshal(raw, &metadata)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &metadata, nil
}
