package chain

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/medchain/go-medchain-sdk/common_models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStream(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}

	t.Run("delivers decoded events", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			defer func() { _ = conn.Close() }()
			err = conn.WriteJSON(Event{Kind: EventAccessGranted, Patient: patientAddress, Doctor: doctorAddress, BlockNumber: 7, Timestamp: time.Now()})
			require.NoError(t, err)
			// keep the connection open until the client is done
			_, _, _ = conn.ReadMessage()
		}))
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		stream, err := NewEventStream(url, zerolog.Nop())
		require.NoError(t, err)
		defer func() { _ = stream.Close() }()

		select {
		case event := <-stream.Events():
			assert.Equal(t, EventAccessGranted, event.Kind)
			assert.Equal(t, common_models.Identity(patientAddress), event.Patient)
			assert.Equal(t, uint64(7), event.BlockNumber)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("dial failure is reported", func(t *testing.T) {
		_, err := NewEventStream("ws://127.0.0.1:1/events", zerolog.Nop())
		assert.ErrorIs(t, err, ErrorBackendUnreachable)
	})

	t.Run("close ends the event channel", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			defer func() { _ = conn.Close() }()
			_, _, _ = conn.ReadMessage()
		}))
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http")
		stream, err := NewEventStream(url, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, stream.Close())

		select {
		case _, open := <-stream.Events():
			assert.False(t, open)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for channel close")
		}
	})
}
