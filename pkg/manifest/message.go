package manifest

import (
	"bytes"
	"fmt"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// RangeMessage is the wire form of a BlockRange.
type RangeMessage struct {
	Location    uint64
	FileVersion int64
	StartID     uint64
	EndID       uint64
	Versions    []int64
	Hashes      [][]byte
}

// Message is the wire form of a manifest together with the file attributes
// a reader needs to use it.
//
// Timestamps are split into seconds and nanoseconds so the message can be
// encoded as XDR.
type Message struct {
	Volume      uint64
	FileID      uint64
	Coordinator uint64
	FileVersion int64
	Size        int64

	MtimeSec          int64
	MtimeNsec         int32
	ManifestMtimeSec  int64
	ManifestMtimeNsec int32

	Ranges []RangeMessage
}

// Mtime returns the file modification time carried by the message.
func (msg *Message) Mtime() time.Time {
	return time.Unix(msg.MtimeSec, int64(msg.MtimeNsec))
}

// ManifestMtime returns the manifest modification time.
func (msg *Message) ManifestMtime() time.Time {
	return time.Unix(msg.ManifestMtimeSec, int64(msg.ManifestMtimeNsec))
}

// SetMtime stores t in the message.
func (msg *Message) SetMtime(t time.Time) {
	msg.MtimeSec, msg.MtimeNsec = t.Unix(), int32(t.Nanosecond())
}

// SetManifestMtime stores t in the message.
func (msg *Message) SetManifestMtime(t time.Time) {
	msg.ManifestMtimeSec, msg.ManifestMtimeNsec = t.Unix(), int32(t.Nanosecond())
}

// ToMessage serializes the manifest ranges into a message. File attributes
// (volume, id, size, mtime) are filled in by the caller.
func (m *Manifest) ToMessage() *Message {
	msg := &Message{FileVersion: m.fileVersion}
	msg.SetManifestMtime(m.lastModified)
	msg.Ranges = make([]RangeMessage, len(m.ranges))
	for i, r := range m.ranges {
		c := r.clone()
		for j := range c.Hashes {
			if c.Hashes[j] == nil {
				c.Hashes[j] = []byte{}
			}
		}
		msg.Ranges[i] = RangeMessage{
			Location:    c.Location,
			FileVersion: c.FileVersion,
			StartID:     c.StartID,
			EndID:       c.EndID,
			Versions:    c.Versions,
			Hashes:      c.Hashes,
		}
	}
	return msg
}

// Validate checks the structural invariants of a received message: ranges
// are non-empty, sorted, disjoint and carry one version per block.
func (msg *Message) Validate() error {
	var prevEnd uint64
	for i, r := range msg.Ranges {
		if r.EndID <= r.StartID {
			return fmt.Errorf("range %d is empty", i)
		}
		if i > 0 && r.StartID < prevEnd {
			return fmt.Errorf("range %d overlaps its predecessor", i)
		}
		n := int(r.EndID - r.StartID)
		if len(r.Versions) != n {
			return fmt.Errorf("range %d has %d versions for %d blocks", i, len(r.Versions), n)
		}
		if len(r.Hashes) != 0 && len(r.Hashes) != n {
			return fmt.Errorf("range %d has %d hashes for %d blocks", i, len(r.Hashes), n)
		}
		prevEnd = r.EndID
	}
	return nil
}

// FromMessage rebuilds a fresh manifest from a validated message.
func FromMessage(msg *Message) (*Manifest, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	m := &Manifest{fileVersion: msg.FileVersion, lastModified: msg.ManifestMtime()}
	for _, rm := range msg.Ranges {
		r := &BlockRange{
			Location:    rm.Location,
			FileVersion: rm.FileVersion,
			StartID:     rm.StartID,
			EndID:       rm.EndID,
			Versions:    append([]int64(nil), rm.Versions...),
			Hashes:      make([][]byte, len(rm.Versions)),
		}
		for j, h := range rm.Hashes {
			if len(h) > 0 {
				r.Hashes[j] = append([]byte(nil), h...)
			}
		}
		m.ranges = append(m.ranges, r)
	}
	return m, nil
}

// Reload replaces the manifest contents with msg and clears the stale flag.
func (m *Manifest) Reload(msg *Message) error {
	fresh, err := FromMessage(msg)
	if err != nil {
		return err
	}
	m.fileVersion = fresh.fileVersion
	m.ranges = fresh.ranges
	m.lastModified = fresh.lastModified
	m.stale = false
	return nil
}

// Encode serializes the message as XDR.
func (msg *Message) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, msg); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses an XDR-encoded manifest message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &msg); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &msg, nil
}
