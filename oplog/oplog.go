package oplog

import (
	"errors"

	"github.com/datrs/hypercore/storage"
)

// entriesOffset is the byte offset at which the append-only entry stream
// begins, after both header slots.
const entriesOffset = 2 * SlotSize

// Log is a crash-safe write-ahead log over a single storage.Backend: two
// header slots plus an append-only entry stream. It is not safe for
// concurrent use; the core controller serializes access to it.
type Log struct {
	backend      storage.Backend
	active       byte
	hasActive    bool
	counter      uint64
	streamLength uint64
}

func readSlot(backend storage.Backend, slot byte) (Header, bool, error) {
	raw, err := backend.Read(uint64(slot)*SlotSize, SlotSize)
	if err != nil {
		if errors.Is(err, storage.ErrOutOfBounds) {
			return Header{}, false, nil
		}
		return Header{}, false, err
	}
	h, ok := decodeHeader(raw)
	return h, ok, nil
}

func chooseActive(headers [2]Header, valid [2]bool) (Header, byte, bool) {
	switch {
	case valid[0] && valid[1]:
		if headers[0].Payload.Hints.Counter >= headers[1].Payload.Hints.Counter {
			return headers[0], 0, true
		}
		return headers[1], 1, true
	case valid[0]:
		return headers[0], 0, true
	case valid[1]:
		return headers[1], 1, true
	default:
		return Header{}, 0, false
	}
}

// Open reads both header slots and the entry stream from backend,
// returning the reconstructed state (zero Payload if the log is fresh) and
// the entries written since the active header was last flushed.
func Open(backend storage.Backend) (*Log, Payload, []Entry, error) {
	var headers [2]Header
	var valid [2]bool
	for slot := byte(0); slot < 2; slot++ {
		h, ok, err := readSlot(backend, slot)
		if err != nil {
			return nil, Payload{}, nil, err
		}
		if ok && !h.Partial && h.SlotID == slot {
			headers[slot] = h
			valid[slot] = true
		}
	}

	active, activeSlot, ok := chooseActive(headers, valid)

	l := &Log{backend: backend}
	var payload Payload
	var declaredStreamLength uint64
	if ok {
		payload = active.Payload
		l.active = activeSlot
		l.hasActive = true
		l.counter = active.Payload.Hints.Counter + 1
		declaredStreamLength = active.Payload.Hints.StreamLength
	}

	total, err := backend.Len()
	if err != nil {
		return nil, Payload{}, nil, err
	}
	var streamBytes []byte
	if total > entriesOffset {
		streamBytes, err = backend.Read(entriesOffset, total-entriesOffset)
		if err != nil {
			return nil, Payload{}, nil, err
		}
	}
	if declaredStreamLength > uint64(len(streamBytes)) {
		declaredStreamLength = uint64(len(streamBytes))
	}

	pending, consumed := decodeEntries(streamBytes[declaredStreamLength:])
	l.streamLength = declaredStreamLength + consumed

	return l, payload, pending, nil
}

// HasActive reports whether Open recovered a valid header slot. False
// on a genuinely fresh backend, but also false if both slots occupy
// their full on-disk footprint and neither's CRC validates — the
// caller distinguishes the two by backend length (spec §7's BadHeader:
// recoverable only by re-creating the core).
func (l *Log) HasActive() bool {
	return l.hasActive
}

// ActiveSlot reports which of the two header slots (0 or 1) Open chose
// as current, and whether one was chosen at all -- the same decision
// HasActive reports, surfaced for callers that want to log which slot
// recovery landed on.
func (l *Log) ActiveSlot() (byte, bool) {
	return l.active, l.hasActive
}

// AppendEntry writes one entry to the tail of the stream. It does not
// touch either header slot.
func (l *Log) AppendEntry(e Entry) error {
	data := encodeEntry(e)
	if err := l.backend.Write(entriesOffset+l.streamLength, data); err != nil {
		return err
	}
	l.streamLength += uint64(len(data))
	return nil
}

// Flush writes payload to the slot opposite the currently active one,
// marks the previously active slot's partial bit, and switches which
// slot is authoritative — an atomic-looking header update built from two
// ordinary writes, safe to crash between because the new slot's CRC is
// what ultimately decides validity on the next Open.
func (l *Log) Flush(payload Payload) error {
	nextSlot := byte(0)
	if l.hasActive && l.active == 0 {
		nextSlot = 1
	}

	payload.Hints.Counter = l.counter
	payload.Hints.StreamLength = l.streamLength

	raw, err := encodeHeader(Header{Partial: false, SlotID: nextSlot, Payload: payload})
	if err != nil {
		return err
	}
	if err := l.backend.Write(uint64(nextSlot)*SlotSize, raw); err != nil {
		return err
	}

	if l.hasActive {
		if err := l.backend.Write(uint64(l.active)*SlotSize, markPartialByte()); err != nil {
			return err
		}
	}

	l.active = nextSlot
	l.hasActive = true
	l.counter++
	return nil
}
