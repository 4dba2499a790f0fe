package sdk

import (
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/ztrue/tracerr"
)

// MemoryStorage is an implementation of Database, which stores the data in memory only.
// This instance should then directly be passed to InitializeOptions.
type MemoryStorage struct {
	initialized bool
	closed      bool
}

func (f *MemoryStorage) initialize() error {
	if f.initialized {
		return tracerr.Wrap(ErrorDatabaseAlreadyInitialized)
	}
	f.initialized = true
	return nil
}

func (f *MemoryStorage) close() error {
	f.closed = true
	return nil
}

func (f *MemoryStorage) readIdentity(storage *identityStorage) error {
	if f.closed {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storage.set(nil)
	return nil
}

func (f *MemoryStorage) writeIdentity(storage *identityStorage) error {
	if f.closed {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	return nil
}

func (f *MemoryStorage) readRecords(storage *recordsStorage) error {
	if f.closed {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.records = make(map[common_models.Identity][]RecordDescriptor)
	return nil
}

func (f *MemoryStorage) writeRecords(storage *recordsStorage) error {
	if f.closed {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	return nil
}

func (f *MemoryStorage) readGrants(storage *grantsStorage) error {
	if f.closed {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	storage.grants = make(map[common_models.Identity][]common_models.Grant)
	return nil
}

func (f *MemoryStorage) writeGrants(storage *grantsStorage) error {
	if f.closed {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	return nil
}
