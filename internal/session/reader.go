package session

import (
	"errors"
	"fmt"

	"github.com/rebroad/displaycast/internal/wire"
)

// readLoop is the receiver-reader task: a tight loop that receives a
// framed message, replies to pings, and shuts down cleanly on EOF or when
// teardown closes the transport under it. The
// dispatch switch also handles PAUSE/RESUME and CONFIG messages; an
// unrecognized type is logged and ignored rather than treated as fatal.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	for {
		hdr, payload, err := s.framer.Recv()
		if err != nil {
			if errors.Is(err, wire.ErrClosed) {
				s.log.Info("peer closed the connection")
			} else if !s.running.Load() {
				// Teardown closed the transport to unblock this read.
				s.log.Debug("reader stopped by teardown")
			} else {
				s.log.Error("frame read failed", "err", err)
				s.readerErr = fmt.Errorf("session: reader: %w", err)
				s.Stop()
			}
			return
		}

		switch hdr.Type {
		case wire.Ping:
			if err := s.sendPong(); err != nil {
				s.log.Error("send PONG failed", "err", err)
				s.readerErr = fmt.Errorf("session: reader: send PONG: %w", err)
				s.Stop()
				return
			}

		case wire.Pause:
			s.setPaused(true)

		case wire.Resume:
			s.setPaused(false)

		case wire.Config:
			cfg, err := wire.DecodeConfig(payload)
			if err != nil {
				s.log.Warn("received malformed CONFIG", "err", err)
				continue
			}
			s.log.Debug("received CONFIG", "output_id", cfg.OutputID, "width", cfg.Width, "height", cfg.Height)

		default:
			s.log.Debug("ignoring unrecognized message", "type", hdr.Type.String())
		}

		if !s.running.Load() {
			return
		}
	}
}
