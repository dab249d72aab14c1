package terminal

import (
	"context"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

const relayBufferSize = 4096

// relay drains one session's output into the sink until the child closes
// the terminal, a read fails, or the session is stopped.
type relay struct {
	id     uint32
	reader io.Reader
	sink   Sink
	scroll *scrollback
	stop   *atomic.Bool
	log    *zap.Logger
}

func (r *relay) run(ctx context.Context) {
	dec := newTextDecoder()
	buf := make([]byte, relayBufferSize)

	defer func() {
		if tail := dec.flush(); tail != "" && !r.stop.Load() {
			r.emit(tail)
		}
	}()

	for {
		if r.stop.Load() || ctx.Err() != nil {
			return
		}

		n, err := r.reader.Read(buf)
		if n > 0 {
			r.scroll.Write(buf[:n])
			if text := dec.decode(buf[:n], false); text != "" {
				r.emit(text)
			}
		}
		if err != nil {
			if err != io.EOF {
				r.log.Debug("relay read ended", zap.Uint32("session_id", r.id), zap.Error(err))
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func (r *relay) emit(text string) {
	r.sink.Emit(EventOutput, Output{SessionID: r.id, Data: text})
}
