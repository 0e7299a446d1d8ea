package media

import (
	"fmt"

	"github.com/observer/sfunode/internal/media/wire"
)

// Serialize encodes a MediaPacket with the deterministic wire format of
// spec §6. Field order is fixed: changing it changes the wire format.
func (p MediaPacket) Serialize() []byte {
	e := wire.NewEncoder()
	e.PutUint8(p.PT).
		PutUint64(p.Seq).
		PutUint32(p.TS).
		PutBool(p.Marker).
		PutBool(p.Nackable)
	e.PutBool(p.Meta.HasAudioLevel).PutInt8(p.Meta.AudioLevel)
	e.PutBool(p.Meta.Key)
	e.PutBool(p.Meta.HasSim)
	e.PutUint8(p.Meta.Sim.Spatial).PutUint8(p.Meta.Sim.Temporal).PutBool(p.Meta.Sim.HasRot).PutUint8(p.Meta.Sim.Rotation)
	e.PutBool(p.Meta.HasSvc)
	e.PutUint8(p.Meta.Svc.Spatial).PutUint8(p.Meta.Svc.Temporal)
	e.PutBool(p.Meta.Svc.BeginOfFrame).PutBool(p.Meta.Svc.EndOfFrame)
	e.PutBytes(p.Data)
	return e.Bytes()
}

// DeserializeMediaPacket is the exact inverse of MediaPacket.Serialize.
func DeserializeMediaPacket(b []byte) (MediaPacket, error) {
	d := wire.NewDecoder(b)
	var p MediaPacket
	var err error
	if p.PT, err = d.GetUint8(); err != nil {
		return p, fmt.Errorf("media packet pt: %w", err)
	}
	if p.Seq, err = d.GetUint64(); err != nil {
		return p, fmt.Errorf("media packet seq: %w", err)
	}
	if p.TS, err = d.GetUint32(); err != nil {
		return p, fmt.Errorf("media packet ts: %w", err)
	}
	if p.Marker, err = d.GetBool(); err != nil {
		return p, fmt.Errorf("media packet marker: %w", err)
	}
	if p.Nackable, err = d.GetBool(); err != nil {
		return p, fmt.Errorf("media packet nackable: %w", err)
	}
	if p.Meta.HasAudioLevel, err = d.GetBool(); err != nil {
		return p, err
	}
	if p.Meta.AudioLevel, err = d.GetInt8(); err != nil {
		return p, err
	}
	if p.Meta.Key, err = d.GetBool(); err != nil {
		return p, err
	}
	if p.Meta.HasSim, err = d.GetBool(); err != nil {
		return p, err
	}
	if p.Meta.Sim.Spatial, err = d.GetUint8(); err != nil {
		return p, err
	}
	if p.Meta.Sim.Temporal, err = d.GetUint8(); err != nil {
		return p, err
	}
	if p.Meta.Sim.HasRot, err = d.GetBool(); err != nil {
		return p, err
	}
	if p.Meta.Sim.Rotation, err = d.GetUint8(); err != nil {
		return p, err
	}
	if p.Meta.HasSvc, err = d.GetBool(); err != nil {
		return p, err
	}
	if p.Meta.Svc.Spatial, err = d.GetUint8(); err != nil {
		return p, err
	}
	if p.Meta.Svc.Temporal, err = d.GetUint8(); err != nil {
		return p, err
	}
	if p.Meta.Svc.BeginOfFrame, err = d.GetBool(); err != nil {
		return p, err
	}
	if p.Meta.Svc.EndOfFrame, err = d.GetBool(); err != nil {
		return p, err
	}
	if p.Data, err = d.GetBytes(); err != nil {
		return p, fmt.Errorf("media packet data: %w", err)
	}
	return p, nil
}

// Serialize encodes a TrackInfo directory entry.
func (t TrackInfo) Serialize() []byte {
	e := wire.NewEncoder()
	e.PutString(t.Peer).PutString(t.Track)
	e.PutUint8(uint8(t.Meta.Kind)).PutUint8(uint8(t.Meta.Scaling)).PutUint8(uint8(t.Meta.Control))
	e.PutString(t.Meta.Metadata)
	e.PutUint64(t.SessionUUID)
	return e.Bytes()
}

// DeserializeTrackInfo is the exact inverse of TrackInfo.Serialize.
func DeserializeTrackInfo(b []byte) (TrackInfo, error) {
	d := wire.NewDecoder(b)
	var t TrackInfo
	var err error
	if t.Peer, err = d.GetString(); err != nil {
		return t, err
	}
	if t.Track, err = d.GetString(); err != nil {
		return t, err
	}
	var kind, scaling, control uint8
	if kind, err = d.GetUint8(); err != nil {
		return t, err
	}
	if scaling, err = d.GetUint8(); err != nil {
		return t, err
	}
	if control, err = d.GetUint8(); err != nil {
		return t, err
	}
	t.Meta.Kind = Kind(kind)
	t.Meta.Scaling = Scaling(scaling)
	t.Meta.Control = Control(control)
	if t.Meta.Metadata, err = d.GetString(); err != nil {
		return t, err
	}
	if t.SessionUUID, err = d.GetUint64(); err != nil {
		return t, err
	}
	return t, nil
}

// Serialize encodes a PeerInfo presence entry.
func (p PeerInfo) Serialize() []byte {
	e := wire.NewEncoder()
	e.PutString(p.Peer).PutUint64(p.SessionUUID).PutUint64(uint64(p.JoinedAtMs))
	return e.Bytes()
}

// DeserializePeerInfo is the exact inverse of PeerInfo.Serialize.
func DeserializePeerInfo(b []byte) (PeerInfo, error) {
	d := wire.NewDecoder(b)
	var p PeerInfo
	var err error
	if p.Peer, err = d.GetString(); err != nil {
		return p, err
	}
	if p.SessionUUID, err = d.GetUint64(); err != nil {
		return p, err
	}
	var joined uint64
	if joined, err = d.GetUint64(); err != nil {
		return p, err
	}
	p.JoinedAtMs = int64(joined)
	return p, nil
}

// AudioMixerPkt is carried on a room's audio-mixer channel instead of a
// plain MediaPacket (spec §4.6, §6).
type AudioMixerPkt struct {
	Slot       uint8
	Peer       string
	Track      string
	AudioLevel int8
	OpusPayload []byte
	TS         uint32
	Seq        uint64
}

// Serialize encodes an AudioMixerPkt.
func (a AudioMixerPkt) Serialize() []byte {
	e := wire.NewEncoder()
	e.PutUint8(a.Slot).PutString(a.Peer).PutString(a.Track)
	e.PutInt8(a.AudioLevel).PutUint32(a.TS).PutUint64(a.Seq)
	e.PutBytes(a.OpusPayload)
	return e.Bytes()
}

// DeserializeAudioMixerPkt is the exact inverse of AudioMixerPkt.Serialize.
func DeserializeAudioMixerPkt(b []byte) (AudioMixerPkt, error) {
	d := wire.NewDecoder(b)
	var a AudioMixerPkt
	var err error
	if a.Slot, err = d.GetUint8(); err != nil {
		return a, err
	}
	if a.Peer, err = d.GetString(); err != nil {
		return a, err
	}
	if a.Track, err = d.GetString(); err != nil {
		return a, err
	}
	if a.AudioLevel, err = d.GetInt8(); err != nil {
		return a, err
	}
	if a.TS, err = d.GetUint32(); err != nil {
		return a, err
	}
	if a.Seq, err = d.GetUint64(); err != nil {
		return a, err
	}
	if a.OpusPayload, err = d.GetBytes(); err != nil {
		return a, err
	}
	return a, nil
}
