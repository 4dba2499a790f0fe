package api_helper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/rs/zerolog"
)

type ApiClient struct {
	client       *http.Client
	ApiURL       string
	ExtraHeaders []Header
	Logger       zerolog.Logger

	// RetryAttempts and RetryBaseDelay bound the backoff applied to
	// transport-level failures (status 0 and 5xx). Defaults: 3 attempts, 200ms.
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type serverError struct {
	Code   string `json:"error_code"`
	Detail string `json:"detail"`
}

type Header struct {
	Name  string
	Value string
}

func NewApiClient(apiUrl string, extraHeaders []Header, logger zerolog.Logger) *ApiClient {
	var url string
	if strings.HasSuffix(apiUrl, "/") {
		url = apiUrl[:len(apiUrl)-1]
	} else {
		url = apiUrl
	}

	return &ApiClient{
		client:         &http.Client{},
		ApiURL:         url,
		ExtraHeaders:   extraHeaders,
		Logger:         logger,
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,
	}
}

func isRetryable(err error) bool {
	var apiError utils.APIError
	if errors.As(err, &apiError) {
		return apiError.Status == 0 || apiError.Status >= 500
	}
	return false
}

// MakeRequest performs one HTTP call against the API, mapping non-expected
// status codes to utils.APIError. Transport failures and server errors are
// retried with bounded exponential backoff.
func (apiClient *ApiClient) MakeRequest(method string, url string, requestBody []byte, headers []Header, expectedStatusCode int) ([]byte, error) {
	attempts := utils.Max(apiClient.RetryAttempts, 1)
	baseDelay := apiClient.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 200 * time.Millisecond
	}
	return utils.WithRetry(attempts, baseDelay, isRetryable, func() ([]byte, error) {
		return apiClient.makeRequestOnce(method, url, requestBody, headers, expectedStatusCode)
	})
}

func (apiClient *ApiClient) makeRequestOnce(method string, url string, requestBody []byte, headers []Header, expectedStatusCode int) ([]byte, error) {
	if apiClient.client == nil {
		apiClient.client = &http.Client{}
	}

	var req *http.Request
	var err error
	if requestBody != nil {
		data := bytes.NewBuffer(requestBody)
		req, err = http.NewRequest(method, apiClient.ApiURL+url, data)
	} else {
		req, err = http.NewRequest(method, apiClient.ApiURL+url, nil) // cannot use a typed `nil`, otherwise it panics...
	}
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: method, Url: apiClient.ApiURL + url}
	}

	req.Header.Add("Accept", "application/json")

	for i := 0; i < len(apiClient.ExtraHeaders); i++ {
		req.Header.Add(apiClient.ExtraHeaders[i].Name, apiClient.ExtraHeaders[i].Value)
	}

	for i := 0; i < len(headers); i++ {
		req.Header.Add(headers[i].Name, headers[i].Value)
	}

	apiClient.Logger.Debug().Msg("API call: " + method + " " + req.URL.String())
	resp, err := apiClient.client.Do(req)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()}
	}
	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			apiClient.Logger.Warn().Err(closeErr).Msg("Could not close response body")
		}
	}()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "RESPONSE_READER_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()}
	}

	apiClient.Logger.Debug().Msg(fmt.Sprintf("Received response to %s %s, status code: %d", req.Method, req.URL.String(), resp.StatusCode))
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Response body: %s", responseBody))
	if resp.StatusCode != expectedStatusCode {
		var responseServerError serverError
		err = json.Unmarshal(responseBody, &responseServerError)
		if err != nil || responseServerError.Code == "" {
			return nil, utils.APIError{Status: resp.StatusCode, Code: "UNKNOWN", Raw: string(responseBody), Method: method, Url: req.URL.String()}
		} else {
			return nil, utils.APIError{
				Status:  resp.StatusCode,
				Code:    responseServerError.Code,
				Details: responseServerError.Detail,
				Url:     req.URL.String(),
				Method:  method,
				Raw:     string(responseBody),
			}
		}
	}

	return responseBody, nil
}
