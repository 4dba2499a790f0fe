package sdk

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/allan-simon/go-singleinstance"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/record_cipher"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/scrypt"
)

var (
	// ErrorDatabaseLocked is returned when another SDK instance is already using this database
	ErrorDatabaseLocked = utils.NewMedChainError("DATABASE_LOCKED", "another SDK instance is already using this database")
	// ErrorDatabaseClosed is returned when trying to use a database which is not open
	ErrorDatabaseClosed = utils.NewMedChainError("DATABASE_CLOSED", "database closed")
	// ErrorDatabaseAlreadyInitialized is returned when trying to initialize a database which has already been initialized
	ErrorDatabaseAlreadyInitialized = utils.NewMedChainError("DATABASE_ALREADY_INITIALIZED", "database already initialized")
	// ErrorStorageSchemaMismatch is returned when a persisted cache file was written with another schema version
	ErrorStorageSchemaMismatch = utils.NewMedChainError("STORAGE_SCHEMA_MISMATCH", "persisted cache has an unknown schema version")
)

/*
The local storage keeps:
- the current identity (address, role, private keys)
- the per-patient record index
- the grant cache, a possibly stale projection of the authoritative ledger
*/

// storageDocument versions every persisted file, so that reconciliation can
// detect a stale shape and rebuild instead of misreading it.
type storageDocument[T any] struct {
	Version int `bson:"version"`
	Data    T   `bson:"data"`
}

func readStorageFile[T any](fileName string, key *record_cipher.RecordKey, data *T) error {
	read, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return tracerr.Wrap(err)
	}
	if len(read) == 0 {
		return nil
	}

	decryptedData, err := key.Decrypt(read)
	if err != nil {
		return tracerr.Wrap(err)
	}

	var document storageDocument[T]
	err = bson.Unmarshal(decryptedData, &document)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if document.Version != storageSchemaVersion {
		return tracerr.Wrap(ErrorStorageSchemaMismatch.AddDetails(fileName))
	}
	*data = document.Data
	return nil
}

func writeStorageFile[T any](fileName string, key *record_cipher.RecordKey, data *T) error {
	marshalledData, err := bson.Marshal(storageDocument[T]{Version: storageSchemaVersion, Data: *data})
	if err != nil {
		return tracerr.Wrap(err)
	}

	encryptedData, err := key.Encrypt(marshalledData)
	if err != nil {
		return tracerr.Wrap(err)
	}

	t := time.Now()
	now := strings.Replace(t.Format("20060102150405.000"), ".", "", 1)
	tempFileName := fileName + "_temp_" + now

	// write in 2 steps for atomic write
	err = os.WriteFile(tempFileName, encryptedData, 0600)
	if err != nil {
		return tracerr.Wrap(err)
	}

	err = os.Rename(tempFileName, fileName)
	if err != nil {
		return tracerr.Wrap(err)
	}

	return nil
}

// DeriveStorageKey derives the FileStorage encryption key from a passphrase,
// salted with the account address so that two accounts on the same machine
// never share a key.
func DeriveStorageKey(password string, address common_models.Identity) (*record_cipher.RecordKey, error) {
	salt := []byte(utils.NormalizeString("medchain-storage|" + string(address)))
	N := 16384
	r := 8
	p := 1
	keyBytes, err := scrypt.Key([]byte(utils.NormalizeString(password)), salt, N, r, p, 32)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return record_cipher.Decode(keyBytes)
}

// FileStorage is an implementation of Database, which stores the data on the
// file system, each file encrypted with EncryptionKey (see DeriveStorageKey).
// This instance should then directly be passed to InitializeOptions.
type FileStorage struct {
	EncryptionKey *record_cipher.RecordKey
	DatabaseDir   string
	databaseLock  *os.File

	// these locks are for the files on disk, whereas the locks in each
	// storage type are for the maps in memory
	identityFileLock sync.Mutex
	recordsFileLock  sync.Mutex
	grantsFileLock   sync.Mutex
}

func (f *FileStorage) initialize() error {
	if f.databaseLock != nil {
		return tracerr.Wrap(ErrorDatabaseAlreadyInitialized)
	}

	err := os.MkdirAll(f.DatabaseDir, 0700)
	if err != nil {
		return tracerr.Wrap(err)
	}
	lockPath := filepath.Join(f.DatabaseDir, "lock")
	databaseLock, err := singleinstance.CreateLockFile(lockPath)
	if err != nil {
		if (runtime.GOOS == "windows" && err.Error() == "remove "+lockPath+": The process cannot access the file because it is being used by another process.") ||
			err.Error() == "resource temporarily unavailable" {
			return tracerr.Wrap(ErrorDatabaseLocked)
		}
		return tracerr.Wrap(err)
	}
	f.databaseLock = databaseLock
	return nil
}

func (f *FileStorage) close() error {
	// ensure any writes which are already in flight finish before closing the DB
	f.identityFileLock.Lock()
	defer f.identityFileLock.Unlock()
	f.recordsFileLock.Lock()
	defer f.recordsFileLock.Unlock()
	f.grantsFileLock.Lock()
	defer f.grantsFileLock.Unlock()

	err := f.databaseLock.Close()
	if err != nil {
		return tracerr.Wrap(err)
	}
	f.databaseLock = nil

	return nil
}

func (f *FileStorage) readIdentity(storage *identityStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	f.identityFileLock.Lock()
	defer f.identityFileLock.Unlock()
	identity := &localIdentity{}
	err := readStorageFile[localIdentity](filepath.Join(f.DatabaseDir, "identity_storage"), f.EncryptionKey, identity)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if identity.Address == "" {
		storage.set(nil)
	} else {
		storage.set(identity)
	}
	return nil
}

func (f *FileStorage) writeIdentity(storage *identityStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	f.identityFileLock.Lock()
	defer f.identityFileLock.Unlock()
	identity := storage.get()
	if identity == nil {
		identity = &localIdentity{}
	}
	return writeStorageFile[localIdentity](filepath.Join(f.DatabaseDir, "identity_storage"), f.EncryptionKey, identity)
}

func (f *FileStorage) readRecords(storage *recordsStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	f.recordsFileLock.Lock()
	defer f.recordsFileLock.Unlock()
	storage.records = make(map[common_models.Identity][]RecordDescriptor)
	err := readStorageFile[map[common_models.Identity][]RecordDescriptor](filepath.Join(f.DatabaseDir, "records_storage"), f.EncryptionKey, &storage.records)
	if err != nil {
		// a schema mismatch means the cache was written by another version:
		// start from an empty index and let reconciliation rebuild it
		if errors.Is(err, ErrorStorageSchemaMismatch) {
			storage.records = make(map[common_models.Identity][]RecordDescriptor)
			return nil
		}
		return tracerr.Wrap(err)
	}
	if storage.records == nil {
		storage.records = make(map[common_models.Identity][]RecordDescriptor)
	}
	return nil
}

func (f *FileStorage) writeRecords(storage *recordsStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	f.recordsFileLock.Lock()
	defer f.recordsFileLock.Unlock()
	return writeStorageFile[map[common_models.Identity][]RecordDescriptor](filepath.Join(f.DatabaseDir, "records_storage"), f.EncryptionKey, &storage.records)
}

func (f *FileStorage) readGrants(storage *grantsStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storage.lock.Lock()
	defer storage.lock.Unlock()
	f.grantsFileLock.Lock()
	defer f.grantsFileLock.Unlock()
	storage.grants = make(map[common_models.Identity][]common_models.Grant)
	err := readStorageFile[map[common_models.Identity][]common_models.Grant](filepath.Join(f.DatabaseDir, "grants_storage"), f.EncryptionKey, &storage.grants)
	if err != nil {
		if errors.Is(err, ErrorStorageSchemaMismatch) {
			storage.grants = make(map[common_models.Identity][]common_models.Grant)
			return nil
		}
		return tracerr.Wrap(err)
	}
	if storage.grants == nil {
		storage.grants = make(map[common_models.Identity][]common_models.Grant)
	}
	return nil
}

func (f *FileStorage) writeGrants(storage *grantsStorage) error {
	if f.databaseLock == nil {
		return tracerr.Wrap(ErrorDatabaseClosed)
	}
	storage.lock.RLock()
	defer storage.lock.RUnlock()
	f.grantsFileLock.Lock()
	defer f.grantsFileLock.Unlock()
	return writeStorageFile[map[common_models.Identity][]common_models.Grant](filepath.Join(f.DatabaseDir, "grants_storage"), f.EncryptionKey, &storage.grants)
}
