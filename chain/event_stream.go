package chain

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/medchain/go-medchain-sdk/utils"
	"github.com/rs/zerolog"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorStreamClosed is returned when using an EventStream which has been closed
	ErrorStreamClosed = utils.NewMedChainError("CHAIN_STREAM_CLOSED", "event stream closed")
)

// DefaultDialer is the gorilla dialer used by EventStream.
var DefaultDialer = &websocket.Dialer{
	Proxy:            websocket.DefaultDialer.Proxy,
	HandshakeTimeout: 10 * time.Second,
}

// EventStream delivers finalized ledger events from a remote chain gateway
// over a websocket. It decodes one JSON Event per frame. On read failure it
// redials with bounded backoff until Close is called; events finalized while
// disconnected are not replayed, so a consumer must reconcile from the
// Backend after a gap, not trust the stream alone.
type EventStream struct {
	url    string
	logger zerolog.Logger

	lock   sync.Mutex
	conn   *websocket.Conn
	closed bool

	events chan Event
}

func NewEventStream(url string, logger zerolog.Logger) (*EventStream, error) {
	stream := &EventStream{
		url:    url,
		logger: logger.With().Str("component", "eventStream").Logger(),
		events: make(chan Event, 64),
	}
	err := stream.dial()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	go stream.readLoop()
	return stream, nil
}

// Events is the stream of decoded ledger events. The channel is closed when
// the stream is closed.
func (stream *EventStream) Events() <-chan Event {
	return stream.events
}

func (stream *EventStream) dial() error {
	conn, resp, err := DefaultDialer.Dial(stream.url, nil)
	if err != nil {
		return tracerr.Wrap(ErrorBackendUnreachable.AddDetails(stream.url + ": " + err.Error()))
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	stream.lock.Lock()
	defer stream.lock.Unlock()
	if stream.closed {
		_ = conn.Close()
		return tracerr.Wrap(ErrorStreamClosed)
	}
	stream.conn = conn
	return nil
}

func (stream *EventStream) readLoop() {
	defer close(stream.events)
	redialDelay := 200 * time.Millisecond
	for {
		stream.lock.Lock()
		conn := stream.conn
		closed := stream.closed
		stream.lock.Unlock()
		if closed {
			return
		}

		var event Event
		err := conn.ReadJSON(&event)
		if err != nil {
			stream.lock.Lock()
			closed = stream.closed
			stream.lock.Unlock()
			if closed {
				return
			}
			stream.logger.Warn().Err(err).Msg("Event stream read failed, redialing")
			time.Sleep(redialDelay)
			redialDelay = utils.Min(redialDelay*2, 10*time.Second)
			if dialErr := stream.dial(); dialErr != nil {
				continue
			}
			continue
		}
		redialDelay = 200 * time.Millisecond

		select {
		case stream.events <- event:
		default:
			stream.logger.Warn().Str("kind", string(event.Kind)).Msg("Dropping event for slow consumer")
		}
	}
}

func (stream *EventStream) Close() error {
	stream.lock.Lock()
	defer stream.lock.Unlock()
	if stream.closed {
		return nil
	}
	stream.closed = true
	if stream.conn != nil {
		err := stream.conn.Close()
		if err != nil {
			return tracerr.Wrap(err)
		}
	}
	return nil
}
