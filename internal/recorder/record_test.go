package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	h := Header{Room: "r1", Peer: "p1", Session: 42, StartTs: 1000, EndTs: 2000}
	require.NoError(t, w.WriteHeader(h))
	require.NoError(t, w.WriteRow(Row{TsMs: 1001, Kind: EventJoinRoom}))
	require.NoError(t, w.WriteRow(Row{TsMs: 1500, Kind: EventTrackStarted, Track: "video0"}))
	require.NoError(t, w.WriteRow(Row{TsMs: 1600, Kind: EventTrackMedia, Track: "video0", Data: []byte{1, 2, 3}}))

	r := NewReader(&buf)
	gotHeader, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, h, gotHeader)

	row1, err := r.ReadRow()
	require.NoError(t, err)
	assert.Equal(t, EventJoinRoom, row1.Kind)

	row2, err := r.ReadRow()
	require.NoError(t, err)
	assert.Equal(t, "video0", row2.Track)

	row3, err := r.ReadRow()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, row3.Data)

	_, err = r.ReadRow()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriterRejectsDoubleHeader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(Header{}))
	assert.ErrorIs(t, w.WriteHeader(Header{}), ErrHeaderAlreadyWritten)
}

type fakeSink struct {
	uploaded map[string][]byte
	failKey  string
}

func newFakeSink() *fakeSink { return &fakeSink{uploaded: make(map[string][]byte)} }

func (f *fakeSink) Upload(ctx context.Context, key string, body []byte) error {
	if key == f.failKey {
		return errors.New("boom")
	}
	f.uploaded[key] = body
	return nil
}

func TestSessionClosesAndUploadsOnce(t *testing.T) {
	sink := newFakeSink()
	s, err := NewSession(Header{Room: "r1", Peer: "p1", Session: 1}, "recordings/r1/p1.bin", sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, s.Append(Row{TsMs: 1, Kind: EventJoinRoom}))
	require.NoError(t, s.Append(Row{TsMs: 2, Kind: EventLeaveRoom}))

	require.NoError(t, s.Close(context.Background()))
	assert.Contains(t, sink.uploaded, "recordings/r1/p1.bin")

	// second close is a no-op, not a re-upload
	delete(sink.uploaded, "recordings/r1/p1.bin")
	require.NoError(t, s.Close(context.Background()))
	assert.NotContains(t, sink.uploaded, "recordings/r1/p1.bin")
}

func TestSessionAppendAfterCloseFails(t *testing.T) {
	sink := newFakeSink()
	s, err := NewSession(Header{Room: "r1", Peer: "p1"}, "k", sink, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	assert.Error(t, s.Append(Row{TsMs: 1, Kind: EventJoinRoom}))
}

func TestSessionUploadFailureIsReported(t *testing.T) {
	sink := newFakeSink()
	sink.failKey = "bad"
	s, err := NewSession(Header{Room: "r1", Peer: "p1"}, "bad", sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Error(t, s.Close(context.Background()))
}
