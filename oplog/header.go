package oplog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// SlotSize is the fixed on-disk size of one header slot.
const SlotSize = 4096

// headerFixedSize is {partial(1), slot_id(1), length_be(4), crc32_be(4)}.
const headerFixedSize = 1 + 1 + 4 + 4

const maxPayloadSize = SlotSize - headerFixedSize

// ErrPayloadTooLarge is returned when a header's payload would not fit in
// a single 4 KiB slot.
var ErrPayloadTooLarge = errors.New("oplog: header payload exceeds slot size")

// Header is the decoded content of one 4 KiB slot.
type Header struct {
	Partial bool
	SlotID  byte
	Payload Payload
}

// encodeHeader serializes h into a full SlotSize-byte slot, zero-padded
// beyond the payload.
func encodeHeader(h Header) ([]byte, error) {
	payload := encodePayload(h.Payload)
	if len(payload) > maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	out := make([]byte, SlotSize)
	if h.Partial {
		out[0] = 1
	}
	out[1] = h.SlotID
	binary.BigEndian.PutUint32(out[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[6:10], crc32.ChecksumIEEE(payload))
	copy(out[headerFixedSize:], payload)
	return out, nil
}

// decodeHeader parses a SlotSize-byte slot. ok is false if the slot's CRC
// doesn't validate (never-written, torn write, or bit rot) or its
// declared payload length doesn't fit.
func decodeHeader(raw []byte) (h Header, ok bool) {
	if len(raw) < headerFixedSize {
		return Header{}, false
	}
	partial := raw[0] != 0
	slotID := raw[1]
	length := binary.BigEndian.Uint32(raw[2:6])
	crc := binary.BigEndian.Uint32(raw[6:10])

	end := headerFixedSize + int(length)
	if end > len(raw) {
		return Header{}, false
	}
	payload := raw[headerFixedSize:end]
	if crc32.ChecksumIEEE(payload) != crc {
		return Header{}, false
	}
	p, err := decodePayload(payload)
	if err != nil {
		return Header{}, false
	}
	return Header{Partial: partial, SlotID: slotID, Payload: p}, true
}

// markPartialByte returns the single byte to write at a slot's offset to set
// its partial flag, without touching the rest of the slot.
func markPartialByte() []byte {
	return []byte{1}
}
