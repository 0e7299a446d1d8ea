package recorder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

// Sink is anything a finished Session can be flushed to. S3Sink satisfies
// it; tests use a fake.
type Sink interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Session buffers one endpoint's persisted-state file in memory and
// uploads it to a Sink on Close, per spec §6.
type Session struct {
	buf    bytes.Buffer
	w      *Writer
	key    string
	sink   Sink
	logger *slog.Logger
	closed bool
}

// NewSession starts recording a persisted-state file for the given
// room/peer/session, keyed for upload as key.
func NewSession(h Header, key string, sink Sink, logger *slog.Logger) (*Session, error) {
	s := &Session{key: key, sink: sink, logger: logger}
	s.w = NewWriter(&s.buf)
	if err := s.w.WriteHeader(h); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes one event row.
func (s *Session) Append(r Row) error {
	if s.closed {
		return fmt.Errorf("recorder: session already closed")
	}
	return s.w.WriteRow(r)
}

// Close uploads the buffered file to the sink and marks the session
// closed, even when the upload fails. Calls after the first return nil
// without uploading again.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	body := append([]byte(nil), s.buf.Bytes()...)
	if err := s.sink.Upload(ctx, s.key, body); err != nil {
		if s.logger != nil {
			s.logger.Error("recorder upload failed", "key", s.key, "error", err)
		}
		return err
	}
	if s.logger != nil {
		s.logger.Info("recorder session flushed", "key", s.key, "bytes", len(body))
	}
	return nil
}
