// Package recorder writes the per-session persisted-state event log of
// spec §6 (a header record followed by timestamped event rows, each
// length-prefixed the same way cluster KV values are) and optionally
// uploads the finished file to S3. Grounded on internal/media/wire's
// length-prefix framing and internal/storage/r2.go's AWS SDK v2 usage,
// generalized from Cloudflare R2 to plain S3.
package recorder

import (
	"errors"
	"io"

	"github.com/observer/sfunode/internal/media/wire"
)

// EventKind enumerates the persisted event rows of spec §6.
type EventKind uint8

const (
	EventJoinRoom EventKind = iota
	EventLeaveRoom
	EventTrackStarted
	EventTrackStopped
	EventTrackMedia
	EventDisconnected
)

// Header is the single record every persisted-state file begins with.
type Header struct {
	Room    string
	Peer    string
	Session uint64
	StartTs int64
	EndTs   int64
}

// Row is one timestamped event following the Header.
type Row struct {
	TsMs  int64
	Kind  EventKind
	Track string // meaningful for TrackStarted/Stopped/Media
	Data  []byte // meaningful for TrackMedia: the serialized MediaPacket
}

var ErrHeaderAlreadyWritten = errors.New("recorder: header already written")

// Writer appends length-prefixed records to an io.Writer (spec §6: "Length
// prefix is 4 bytes big-endian; readers must reject lengths > 65500").
type Writer struct {
	w             io.Writer
	headerWritten bool
}

// NewWriter wraps a destination for a fresh persisted-state file.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteHeader writes the file's header record; it may only be called once.
func (w *Writer) WriteHeader(h Header) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}
	e := wire.NewEncoder()
	e.PutString(h.Room).PutString(h.Peer).PutUint64(h.Session)
	e.PutUint64(uint64(h.StartTs)).PutUint64(uint64(h.EndTs))
	if err := wire.WriteFrame(w.w, e.Bytes()); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// WriteRow appends one event row.
func (w *Writer) WriteRow(r Row) error {
	e := wire.NewEncoder()
	e.PutUint64(uint64(r.TsMs)).PutUint8(uint8(r.Kind)).PutString(r.Track).PutBytes(r.Data)
	return wire.WriteFrame(w.w, e.Bytes())
}

// Reader reads back a persisted-state file written by Writer.
type Reader struct {
	r io.Reader
}

// NewReader wraps a source for reading a persisted-state file.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadHeader reads the file's header record; call it exactly once before
// any ReadRow call.
func (r *Reader) ReadHeader() (Header, error) {
	buf, err := wire.ReadFrame(r.r)
	if err != nil {
		return Header{}, err
	}
	d := wire.NewDecoder(buf)
	var h Header
	var err2 error
	if h.Room, err2 = d.GetString(); err2 != nil {
		return h, err2
	}
	if h.Peer, err2 = d.GetString(); err2 != nil {
		return h, err2
	}
	if h.Session, err2 = d.GetUint64(); err2 != nil {
		return h, err2
	}
	var startTs, endTs uint64
	if startTs, err2 = d.GetUint64(); err2 != nil {
		return h, err2
	}
	if endTs, err2 = d.GetUint64(); err2 != nil {
		return h, err2
	}
	h.StartTs = int64(startTs)
	h.EndTs = int64(endTs)
	return h, nil
}

// ReadRow reads the next event row, or io.EOF once the stream is
// exhausted.
func (r *Reader) ReadRow() (Row, error) {
	buf, err := wire.ReadFrame(r.r)
	if err != nil {
		return Row{}, err
	}
	d := wire.NewDecoder(buf)
	var row Row
	var tsMs uint64
	var kind uint8
	var err2 error
	if tsMs, err2 = d.GetUint64(); err2 != nil {
		return row, err2
	}
	if kind, err2 = d.GetUint8(); err2 != nil {
		return row, err2
	}
	if row.Track, err2 = d.GetString(); err2 != nil {
		return row, err2
	}
	if row.Data, err2 = d.GetBytes(); err2 != nil {
		return row, err2
	}
	row.TsMs = int64(tsMs)
	row.Kind = EventKind(kind)
	return row, nil
}
