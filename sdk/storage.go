package sdk

// Database is the interface that must be implemented by the local cache
// backends. The cache is a derived projection of the authoritative backend:
// it may be discarded at any time and rebuilt through reconciliation.
// You should not have to use this directly.
type Database interface { // Must be exported because it is an input type in InitializeOptions
	initialize() error
	close() error
	readIdentity(storage *identityStorage) error
	writeIdentity(storage *identityStorage) error
	readRecords(storage *recordsStorage) error
	writeRecords(storage *recordsStorage) error
	readGrants(storage *grantsStorage) error
	writeGrants(storage *grantsStorage) error
}
