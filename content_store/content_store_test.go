package content_store

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()

	t.Run("content addressing", func(t *testing.T) {
		id1, err := store.Put([]byte("same bytes"))
		require.NoError(t, err)
		id2, err := store.Put([]byte("same bytes"))
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		id3, err := store.Put([]byte("other bytes"))
		require.NoError(t, err)
		assert.NotEqual(t, id1, id3)
	})

	t.Run("round trip", func(t *testing.T) {
		data := []byte{0x00, 0x01, 0xff, 0xfe}
		id, err := store.Put(data)
		require.NoError(t, err)
		got, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Get("mem-UNKNOWN")
		assert.ErrorIs(t, err, ErrorContentUnavailable)
	})

	t.Run("empty id", func(t *testing.T) {
		_, err := store.Get("")
		assert.ErrorIs(t, err, ErrorEmptyContentId)
	})
}

func TestIPFSStore(t *testing.T) {
	t.Parallel()

	t.Run("Put parses add response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/v0/add", r.URL.Path)
			require.Equal(t, "Basic cHJvamVjdDpzZWNyZXQ=", r.Header.Get("Authorization"))
			err := r.ParseMultipartForm(1 << 20)
			require.NoError(t, err)
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			content, err := io.ReadAll(file)
			require.NoError(t, err)
			assert.Equal(t, []byte("ciphertext"), content)
			_, _ = w.Write([]byte(`{"Name":"blob","Hash":"QmTestHash","Size":"10"}`))
		}))
		defer server.Close()

		store := NewIPFSStore(server.URL, "project", "secret", zerolog.Nop())
		id, err := store.Put([]byte("ciphertext"))
		require.NoError(t, err)
		assert.Equal(t, ContentId("QmTestHash"), id)
	})

	t.Run("Get returns raw bytes", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/v0/cat", r.URL.Path)
			require.Equal(t, "QmTestHash", r.URL.Query().Get("arg"))
			_, _ = w.Write([]byte{0x01, 0x02, 0x03})
		}))
		defer server.Close()

		store := NewIPFSStore(server.URL, "", "", zerolog.Nop())
		data, err := store.Get("QmTestHash")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
	})

	t.Run("Get maps API errors to ContentUnavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		store := NewIPFSStore(server.URL, "", "", zerolog.Nop())
		store.apiClient.RetryAttempts = 1
		_, err := store.Get("QmMissing")
		assert.ErrorIs(t, err, ErrorContentUnavailable)
	})

	t.Run("Put maps API errors to UploadFailed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		store := NewIPFSStore(server.URL, "", "", zerolog.Nop())
		_, err := store.Put([]byte("data"))
		assert.ErrorIs(t, err, ErrorUploadFailed)
	})
}
