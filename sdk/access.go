package sdk

import (
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/medchain/go-medchain-sdk/content_store"
	"github.com/medchain/go-medchain-sdk/record_cipher"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorNotAuthorized is returned when the doctor holds no active grant from the patient
	ErrorNotAuthorized = utils.NewMedChainError("SDK_NOT_AUTHORIZED", "no active grant for this doctor")
	// ErrorEnvelopeInvalid is returned when a release envelope cannot be parsed or its signature does not verify
	ErrorEnvelopeInvalid = utils.NewMedChainError("SDK_ENVELOPE_INVALID", "release envelope is invalid")
	// ErrorEnvelopeWrongRecipient is returned when opening an envelope wrapped for another doctor
	ErrorEnvelopeWrongRecipient = utils.NewMedChainError("SDK_ENVELOPE_WRONG_RECIPIENT", "release envelope was wrapped for another doctor")
)

// releaseClaims is the payload of a key-release envelope: a JWT issued by the
// patient, addressed to one doctor, carrying the record key wrapped for that
// doctor's encryption public key. The ciphertext itself never travels in the
// envelope, only the content ids.
type releaseClaims struct {
	jwt.RegisteredClaims
	RecordId          int64  `json:"record_id"`
	ContentId         string `json:"content_id"`
	MetadataContentId string `json:"metadata_content_id"`
	WrappedKey        string `json:"wrapped_key"`
}

// ReleasedRecord is the result of opening a key-release envelope: everything
// a doctor needs to fetch and decrypt one shared record.
type ReleasedRecord struct {
	Patient           common_models.Identity
	RecordId          int64
	ContentId         content_store.ContentId
	MetadataContentId content_store.ContentId
	Key               *record_cipher.RecordKey
}

// WrapRecordKey issues a key-release envelope for one of this patient's
// records, addressed to the given doctor. The doctor must currently hold an
// active grant: the authoritative ledger is consulted, and an unreachable
// backend fails the call rather than release a key.
//
// The envelope is an RS256 JWT signed with the patient's signing key. The
// record key inside is wrapped with the doctor's published encryption key, so
// the envelope can travel over any channel: only the addressed doctor can
// recover the key, and anyone can verify who issued it.
func (state *State) WrapRecordKey(recordId int64, doctor common_models.Identity) (string, error) {
	descriptor, err := state.GetRecord(recordId)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	err = doctor.Check()
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	authorized, err := state.options.Backend.IsAuthorized(identity.Address, doctor)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if !authorized {
		return "", tracerr.Wrap(ErrorNotAuthorized.AddDetails(doctor.Format()))
	}

	doctorKeys, err := state.options.Backend.GetPublicKeys(doctor)
	if err != nil {
		return "", tracerr.Wrap(err)
	}

	wrappedKey, err := doctorKeys.Encryption.Wrap(descriptor.EncryptionKey)
	if err != nil {
		return "", tracerr.Wrap(err)
	}

	now := time.Now()
	claims := releaseClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   string(identity.Address),
			Subject:  string(doctor),
			IssuedAt: jwt.NewNumericDate(now),
		},
		RecordId:          descriptor.Id,
		ContentId:         string(descriptor.ContentId),
		MetadataContentId: string(descriptor.MetadataContentId),
		WrappedKey:        base64.StdEncoding.EncodeToString(wrappedKey),
	}
	envelope, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(identity.SigningKey.RSA())
	if err != nil {
		return "", tracerr.Wrap(err)
	}

	state.logger.Info().Int64("record", recordId).Str("doctor", doctor.Format()).Msg("Record key wrapped")
	return envelope, nil
}

// OpenEnvelope verifies a key-release envelope and recovers the record key.
// The issuer's signing key is looked up on the ledger: a forged or tampered
// envelope, or one addressed to another doctor, is rejected.
//
// Opening an envelope does not check the grant: that check belongs to the
// moment of access, see FetchSharedRecord.
func (state *State) OpenEnvelope(envelope string) (*ReleasedRecord, error) {
	err := state.requireRole(common_models.RoleDoctor)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	claims := &releaseClaims{}
	_, err = jwt.ParseWithClaims(envelope, claims, func(token *jwt.Token) (interface{}, error) {
		issuerClaims, ok := token.Claims.(*releaseClaims)
		if !ok {
			return nil, tracerr.Wrap(ErrorEnvelopeInvalid)
		}
		issuer := common_models.Identity(issuerClaims.Issuer)
		checkErr := issuer.Check()
		if checkErr != nil {
			return nil, tracerr.Wrap(checkErr)
		}
		issuerKeys, keysErr := state.options.Backend.GetPublicKeys(issuer)
		if keysErr != nil {
			return nil, tracerr.Wrap(keysErr)
		}
		return issuerKeys.Signing.RSA(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, tracerr.Wrap(ErrorEnvelopeInvalid.AddDetails(err.Error()))
	}

	if common_models.Identity(claims.Subject) != identity.Address {
		return nil, tracerr.Wrap(ErrorEnvelopeWrongRecipient)
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(claims.WrappedKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorEnvelopeInvalid.AddDetails("wrapped key is not valid base64"))
	}
	keyBytes, err := identity.EncryptionKey.Unwrap(wrappedKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorEnvelopeWrongRecipient)
	}
	key, err := record_cipher.Decode(keyBytes)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return &ReleasedRecord{
		Patient:           common_models.Identity(claims.Issuer),
		RecordId:          claims.RecordId,
		ContentId:         content_store.ContentId(claims.ContentId),
		MetadataContentId: content_store.ContentId(claims.MetadataContentId),
		Key:               key,
	}, nil
}

// FetchSharedRecord fetches and decrypts a record shared through a release
// envelope. The grant is checked against the authoritative ledger at the
// moment of access: a revoked doctor is denied even while still holding a
// valid envelope, and an unreachable backend denies rather than guesses.
func (state *State) FetchSharedRecord(envelope string) ([]byte, error) {
	released, err := state.OpenEnvelope(envelope)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	identity := state.storage.identity.get()

	authorized, err := state.options.Backend.IsAuthorized(released.Patient, identity.Address)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if !authorized {
		return nil, tracerr.Wrap(ErrorNotAuthorized.AddDetails(released.Patient.Format()))
	}

	encryptedData, err := state.fetchContent(released.ContentId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	plaintext, err := released.Key.Decrypt(encryptedData)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	state.logger.Info().Int64("record", released.RecordId).Str("patient", released.Patient.Format()).Msg("Shared record fetched")
	return plaintext, nil
}
