package sdk

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/medchain/go-medchain-sdk/chain"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/content_store"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorDatabaseRequired is returned when Database is not defined
	ErrorDatabaseRequired = utils.NewMedChainError("SDK_DATABASE_REQUIRED", "Database argument is required")
	// ErrorSignerRequired is returned when Signer is not defined
	ErrorSignerRequired = utils.NewMedChainError("SDK_SIGNER_REQUIRED", "Signer argument is required")
	// ErrorBackendRequired is returned when Backend is not defined
	ErrorBackendRequired = utils.NewMedChainError("SDK_BACKEND_REQUIRED", "Backend argument is required")
	// ErrorContentStoreRequired is returned when ContentStore is not defined
	ErrorContentStoreRequired = utils.NewMedChainError("SDK_CONTENT_STORE_REQUIRED", "ContentStore argument is required")
	// ErrorInvalidKeySize is returned when the KeySize given in InitializeOptions is invalid. Valid values are 2048 and 4096.
	ErrorInvalidKeySize = utils.NewMedChainError("SDK_INVALID_KEY_SIZE", "the KeySize is invalid")
	// ErrorSdkClosed is returned when this SDK instance has been closed
	ErrorSdkClosed = utils.NewMedChainError("SDK_CLOSED", "this SDK instance has already been closed")
	// ErrorRequireRegistration is returned when trying to use a function that needs a registered identity
	ErrorRequireRegistration = utils.NewMedChainError("SDK_REQUIRE_REGISTRATION", "this function cannot be called before registering")
	// ErrorRequireNoRegistration is returned when trying to register an SDK instance which already holds a registered identity
	ErrorRequireNoRegistration = utils.NewMedChainError("SDK_REQUIRE_NO_REGISTRATION", "this instance has already registered")
	// ErrorRequirePatient is returned when calling a patient-only function with another role
	ErrorRequirePatient = utils.NewMedChainError("SDK_REQUIRE_PATIENT", "this function requires the patient role")
	// ErrorRequireDoctor is returned when calling a doctor-only function with another role
	ErrorRequireDoctor = utils.NewMedChainError("SDK_REQUIRE_DOCTOR", "this function requires the doctor role")
	// ErrorRequireRole is returned when calling a role-restricted function with another role
	ErrorRequireRole = utils.NewMedChainError("SDK_REQUIRE_ROLE", "this function requires another role")
)

// InitializeOptions is the main options object for initializing the SDK instance.
type InitializeOptions struct {
	// Database is the storage backend instance to use to store the local cache for this instance.
	Database Database
	// ContentStore is the content-addressed store holding encrypted record payloads.
	ContentStore content_store.Store
	// Signer is the wallet which owns the account address and signs transactions.
	Signer chain.Signer
	// Backend is the read side of the authoritative ledger.
	Backend chain.Backend
	// KeySize is the asymmetric key size for newly generated keys. Defaults to 4096.
	KeySize int
	// FetchRetryAttempts is the number of attempts when fetching content which the store has not propagated yet. Defaults to 3.
	FetchRetryAttempts int
	// FetchRetryBaseDelay is the initial backoff between fetch attempts. Defaults to 200ms.
	FetchRetryBaseDelay time.Duration
	// LogLevel is the minimum level of logs you want. All logs of this level or above will be displayed. Use one of the zerolog level constants.
	LogLevel zerolog.Level
	// LogNoColor should be set to true if you want to disable colors in the log output.
	LogNoColor bool
	// InstanceName is an arbitrary name to give to this instance. Can be useful for debugging when multiple instances are running in parallel, as it is added to logs.
	InstanceName string
	// LogWriter is the io.Writer to which to write the logs. Defaults to os.Stdout.
	LogWriter io.Writer
}

type storage struct {
	identity identityStorage
	records  recordsStorage
	grants   grantsStorage
}

type stateLocks struct {
	identityLock    sync.RWMutex     // Lock when doing something that can change the local identity (registering)
	recordsLock     sync.Mutex       // Serializes appends to the record index, so descriptor ids stay monotonic
	grantsLockGroup utils.MutexGroup // Per-doctor lock, so concurrent grant/revoke for the same doctor do not conflict
}

// State is the object representing an instance of the SDK.
// You must never create a State yourself. Instead, always use Initialize.
type State struct {
	storage storage
	locks   stateLocks
	options *InitializeOptions
	logger  zerolog.Logger
	closed  bool
}

func validateOptions(options InitializeOptions) error {
	if options.Database == nil {
		return tracerr.Wrap(ErrorDatabaseRequired)
	}
	if options.ContentStore == nil {
		return tracerr.Wrap(ErrorContentStoreRequired)
	}
	if options.Signer == nil {
		return tracerr.Wrap(ErrorSignerRequired)
	}
	if options.Backend == nil {
		return tracerr.Wrap(ErrorBackendRequired)
	}
	if !utils.SliceIncludes([]int{2048, 4096}, options.KeySize) {
		return tracerr.Wrap(ErrorInvalidKeySize)
	}
	return nil
}

// Initialize is the function to use to create an instance of the SDK.
// It receives an InitializeOptions object, and returns a State representing the instantiated SDK.
func Initialize(options *InitializeOptions) (*State, error) {
	if options.KeySize == 0 {
		options.KeySize = 4096
	}
	err := validateOptions(*options)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	if options.LogWriter == nil {
		options.LogWriter = os.Stdout
	}
	if options.FetchRetryAttempts == 0 {
		options.FetchRetryAttempts = 3
	}
	if options.FetchRetryBaseDelay == 0 {
		options.FetchRetryBaseDelay = 200 * time.Millisecond
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	instanceLogger := zerolog.New(zerolog.ConsoleWriter{Out: options.LogWriter, TimeFormat: time.StampMilli, NoColor: options.LogNoColor}).With().Timestamp().Logger()
	instanceLogger = instanceLogger.Level(options.LogLevel)
	if options.InstanceName != "" {
		instanceLogger = instanceLogger.With().Str("instance", options.InstanceName).Logger()
	}

	instanceLogger.Debug().Msg("Initialize new instance...")

	err = options.Database.initialize()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state := State{
		options: options,
		logger:  instanceLogger,
	}

	err = options.Database.readIdentity(&state.storage.identity)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	err = options.Database.readRecords(&state.storage.records)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	err = options.Database.readGrants(&state.storage.grants)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.closed = false

	// The cache may have drifted while this instance was offline. Best effort:
	// an unreachable backend must not prevent startup, the cache just stays
	// marked as it was.
	if identity := state.storage.identity.get(); identity != nil && identity.Role == common_models.RolePatient {
		err = state.ReconcileGrants()
		if err != nil {
			if errors.Is(err, chain.ErrorBackendUnreachable) {
				instanceLogger.Warn().Msg("Backend unreachable at startup, grant cache not reconciled")
			} else {
				return nil, tracerr.Wrap(err)
			}
		}
	}

	return &state, nil
}

// Close closes the current SDK instance. This frees any lock on the current database. After calling Close, the instance cannot be used anymore.
func (state *State) Close() error {
	if state.closed == true { // Checking if already closed, to bail out
		state.logger.Debug().Msg("Already closed")
		return nil
	}

	state.locks.identityLock.Lock()
	defer state.locks.identityLock.Unlock()

	if state.closed == true { // Checking again, because maybe it got closed while we were acquiring the lock
		state.logger.Debug().Msg("Already closed after lock")
		return nil
	}

	state.logger.Debug().Msg("Closing...")

	err := state.options.Database.close()
	if err != nil {
		return tracerr.Wrap(err)
	}

	state.closed = true
	state.logger.Info().Msg("Closed")

	return nil
}

// checkSdkState verifies that the instance is usable, and that its
// registration state matches what the calling operation needs.
func (state *State) checkSdkState(requireRegistration bool) error {
	if state.closed {
		return tracerr.Wrap(ErrorSdkClosed)
	}
	identity := state.storage.identity.get()
	if requireRegistration && identity == nil {
		return tracerr.Wrap(ErrorRequireRegistration)
	}
	if !requireRegistration && identity != nil {
		return tracerr.Wrap(ErrorRequireNoRegistration)
	}
	return nil
}

// requireRole checks the local identity holds the given role.
func (state *State) requireRole(role common_models.Role) error {
	err := state.checkSdkState(true)
	if err != nil {
		return tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()
	if identity.Role != role {
		switch role {
		case common_models.RolePatient:
			return tracerr.Wrap(ErrorRequirePatient.AddDetails(identity.Role.String()))
		case common_models.RoleDoctor:
			return tracerr.Wrap(ErrorRequireDoctor.AddDetails(identity.Role.String()))
		default:
			return tracerr.Wrap(ErrorRequireRole.AddDetails(role.String() + ", have " + identity.Role.String()))
		}
	}
	return nil
}

func (state *State) saveIdentity() error {
	err := state.options.Database.writeIdentity(&state.storage.identity)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (state *State) saveRecords() error {
	err := state.options.Database.writeRecords(&state.storage.records)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (state *State) saveGrants() error {
	err := state.options.Database.writeGrants(&state.storage.grants)
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}
