package content_store

import (
	"crypto/sha256"
	"encoding/base32"
	"sync"

	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorUploadFailed is returned when the content-addressed store cannot accept the upload
	ErrorUploadFailed = utils.NewMedChainError("CONTENTSTORE_UPLOAD_FAILED", "could not upload content")
	// ErrorContentUnavailable is returned when the store cannot serve the requested content id
	ErrorContentUnavailable = utils.NewMedChainError("CONTENTSTORE_CONTENT_UNAVAILABLE", "content unavailable")
	// ErrorEmptyContentId is returned when a content id is empty
	ErrorEmptyContentId = utils.NewMedChainError("CONTENTSTORE_EMPTY_CONTENT_ID", "content id is empty")
)

// ContentId is an opaque content-derived handle. Identical bytes always map
// to the same id; distinct bytes map to distinct ids.
type ContentId string

// Store is the content-addressed storage collaborator. Record ciphertexts
// are the only thing ever written to it; plaintext never reaches a Store.
type Store interface {
	Put(data []byte) (ContentId, error)
	Get(id ContentId) ([]byte, error)
}

// MemoryStore is an in-memory Store addressing content by its SHA-256.
// It backs tests and local development.
type MemoryStore struct {
	lock    sync.RWMutex
	content map[ContentId][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{content: make(map[ContentId][]byte)}
}

func memoryContentId(data []byte) ContentId {
	digest := sha256.Sum256(data)
	return ContentId("mem-" + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(digest[:]))
}

func (s *MemoryStore) Put(data []byte) (ContentId, error) {
	id := memoryContentId(data)
	s.lock.Lock()
	defer s.lock.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.content[id] = stored
	return id, nil
}

func (s *MemoryStore) Get(id ContentId) ([]byte, error) {
	if id == "" {
		return nil, tracerr.Wrap(ErrorEmptyContentId)
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	data, ok := s.content[id]
	if !ok {
		return nil, tracerr.Wrap(ErrorContentUnavailable.AddDetails(string(id)))
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
