package content_store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/medchain/go-medchain-sdk/api_helper"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

// IPFSStore is a Store over the IPFS HTTP API (the original deployment used
// an Infura-hosted node, authenticated with project credentials).
type IPFSStore struct {
	apiClient *api_helper.ApiClient
}

type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// NewIPFSStore builds a Store talking to the IPFS HTTP API at apiUrl
// (e.g. "https://ipfs.infura.io:5001"). projectId/projectSecret may be empty
// for an unauthenticated local node.
func NewIPFSStore(apiUrl string, projectId string, projectSecret string, logger zerolog.Logger) *IPFSStore {
	var headers []api_helper.Header
	if projectId != "" {
		auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(projectId+":"+projectSecret))
		headers = append(headers, api_helper.Header{Name: "Authorization", Value: auth})
	}
	return &IPFSStore{
		apiClient: api_helper.NewApiClient(apiUrl, headers, logger.With().Str("component", "ipfsStore").Logger()),
	}
}

func (s *IPFSStore) Put(data []byte) (ContentId, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "blob")
	if err != nil {
		return "", tracerr.Wrap(ErrorUploadFailed.AddDetails(err.Error()))
	}
	_, err = part.Write(data)
	if err != nil {
		return "", tracerr.Wrap(ErrorUploadFailed.AddDetails(err.Error()))
	}
	err = writer.Close()
	if err != nil {
		return "", tracerr.Wrap(ErrorUploadFailed.AddDetails(err.Error()))
	}

	response, err := s.apiClient.MakeRequest(
		"POST",
		"/api/v0/add",
		body.Bytes(),
		[]api_helper.Header{{Name: "Content-Type", Value: writer.FormDataContentType()}},
		http.StatusOK,
	)
	if err != nil {
		var apiError utils.APIError
		if errors.As(err, &apiError) {
			return "", tracerr.Wrap(ErrorUploadFailed.AddDetails(apiError.Error()))
		}
		return "", tracerr.Wrap(err)
	}

	var added ipfsAddResponse
	err = json.Unmarshal(response, &added)
	if err != nil || added.Hash == "" {
		return "", tracerr.Wrap(ErrorUploadFailed.AddDetails("unexpected add response: " + string(response)))
	}
	return ContentId(added.Hash), nil
}

func (s *IPFSStore) Get(id ContentId) ([]byte, error) {
	if id == "" {
		return nil, tracerr.Wrap(ErrorEmptyContentId)
	}
	// /api/v0/cat returns the raw block bytes, not JSON
	response, err := s.apiClient.MakeRequest(
		"POST",
		"/api/v0/cat?arg="+url.QueryEscape(string(id)),
		nil,
		nil,
		http.StatusOK,
	)
	if err != nil {
		var apiError utils.APIError
		if errors.As(err, &apiError) {
			return nil, tracerr.Wrap(ErrorContentUnavailable.AddDetails(apiError.Error()))
		}
		return nil, tracerr.Wrap(err)
	}
	return response, nil
}

var _ Store = (*IPFSStore)(nil)
var _ Store = (*MemoryStore)(nil)
