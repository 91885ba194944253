package connection

import (
	"context"
	"sync"
	"time"

	"github.com/sagernet/rsocket-go/rserrors"
)

// Result is the single terminal outcome of a Stream: either a Payload or a
// classified error, never both (§9 "single terminal poll" design note,
// replacing the source's response/error/.../terminate event sequence).
type Result struct {
	Payload Payload
	Err     error
}

// Stream is a single-shot request/response exchange identified by a
// stream id (§3 "Stream"). It is shared between the Connection (for
// demultiplexing inbound frames) and the caller (for consuming the
// outcome). The Connection's table maps the stream id to the stream; the
// stream keeps its id and a pointer back to its Connection, which Cancel
// uses to send the CANCEL frame.
type Stream struct {
	*stream
}

type stream struct {
	id   uint32
	conn *Connection

	mu        sync.Mutex
	data      []byte // accumulated across FOLLOWS fragments
	metadata  []byte
	gotMeta   bool

	done       chan struct{}
	doneOnce   sync.Once
	result     Result
	cancelOnce sync.Once

	timeoutTimer *time.Timer
	startedAt    time.Time
}

func newStream(id uint32, conn *Connection) *stream {
	return &stream{
		id:        id,
		conn:      conn,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// ID returns the stream's wire identifier.
func (s *stream) ID() uint32 { return s.id }

// Wait blocks until the stream reaches its terminal outcome, or ctx is done.
func (s *Stream) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel sends a CANCEL frame for this stream and terminates it locally
// with a canceled error (§5 "Cancellation").
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.conn.cancelStream(s.id)
	})
}

// accumulate folds in one fragment's data/metadata; hasMeta indicates the
// frame carried the METADATA flag, so its metadata is appended.
func (s *stream) accumulate(metadata, data []byte, hasMeta bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hasMeta {
		s.metadata = append(s.metadata, metadata...)
		s.gotMeta = true
	}
	s.data = append(s.data, data...)
}

func (s *stream) payload() Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Payload{Data: s.data}
	if s.gotMeta {
		p.Metadata = s.metadata
	}
	return p
}

// terminate delivers the terminal Result exactly once (§8 invariant:
// "exactly one terminal event is emitted").
func (s *stream) terminate(res Result) {
	s.doneOnce.Do(func() {
		if s.timeoutTimer != nil {
			s.timeoutTimer.Stop()
		}
		s.result = res
		close(s.done)
	})
}

func (s *stream) terminateErr(kind rserrors.Kind, cause error) {
	s.terminate(Result{Err: rserrors.New(kind, cause)})
}
