package sdk

import (
	"sync"
	"time"

	"github.com/medchain/go-medchain-sdk/asymkey"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/content_store"
)

// storageSchemaVersion is bumped whenever a persisted shape changes. A cache
// written with another version is discarded and rebuilt from the
// authoritative backend on the next reconciliation.
const storageSchemaVersion = 1

// localIdentity is the account this SDK instance acts as: its address, its
// one-time role, and the private keys whose public halves were published at
// registration.
type localIdentity struct {
	Address       common_models.Identity `json:"address" bson:"address"`
	Role          common_models.Role     `json:"role" bson:"role"`
	EncryptionKey *asymkey.PrivateKey    `json:"encryption_key" bson:"encryption_key"`
	SigningKey    *asymkey.PrivateKey    `json:"signing_key" bson:"signing_key"`
	RegisteredAt  time.Time              `json:"registered_at" bson:"registered_at"`
}

type identityStorage struct {
	lock     sync.RWMutex
	identity *localIdentity
}

func (storage *identityStorage) get() *localIdentity {
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	return storage.identity
}

func (storage *identityStorage) set(identity *localIdentity) {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.identity = identity
}

// RecordDescriptor describes one uploaded, encrypted medical file. It is
// immutable once created: corrections are new descriptors, never in-place
// edits, and revocation affects access, not existence.
//
// EncryptionKey is the raw record key. It only ever exists in the owning
// patient's local storage (encrypted at rest by FileStorage) and is zeroed
// out of any shared form: doctors receive the key wrapped for their public
// key, through a release envelope.
type RecordDescriptor struct {
	Id                int64                   `json:"id" bson:"id"`
	Owner             common_models.Identity  `json:"owner" bson:"owner"`
	ContentId         content_store.ContentId `json:"content_id" bson:"content_id"`
	MetadataContentId content_store.ContentId `json:"metadata_content_id" bson:"metadata_content_id"`
	Name              string                  `json:"name" bson:"name"`
	Description       string                  `json:"description" bson:"description"`
	MimeType          string                  `json:"mime_type" bson:"mime_type"`
	SizeBytes         int64                   `json:"size_bytes" bson:"size_bytes"`
	CreatedAt         time.Time               `json:"created_at" bson:"created_at"`
	EncryptionKey     []byte                  `json:"encryption_key,omitempty" bson:"encryption_key,omitempty"`
}

// Public returns the shareable form of the descriptor, with the record key
// stripped.
func (descriptor RecordDescriptor) Public() RecordDescriptor {
	shared := descriptor
	shared.EncryptionKey = nil
	return shared
}

// RecordMetadata is the public metadata document stored off-band in the
// content store, referenced by RecordDescriptor.MetadataContentId.
type RecordMetadata struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	MimeType    string                 `json:"mime_type"`
	SizeBytes   int64                  `json:"size_bytes"`
	CreatedAt   time.Time              `json:"created_at"`
	Owner       common_models.Identity `json:"owner"`
}

type recordsStorage struct {
	lock    sync.RWMutex
	records map[common_models.Identity][]RecordDescriptor
}

type grantsStorage struct {
	lock   sync.RWMutex
	grants map[common_models.Identity][]common_models.Grant
}

// AuthorizationView is a derived, read-only projection of the Grant set.
// It is recomputed on every call, never persisted on its own. Stale is set
// when the authoritative backend was unreachable and the view was computed
// from the local cache: such a view must not back a security decision.
type AuthorizationView struct {
	Patient  common_models.Identity
	Doctor   common_models.Identity
	Doctors  []common_models.Identity
	Patients []common_models.Identity
	Stale    bool
}
