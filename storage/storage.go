// Package storage defines the narrow contract between the Merkle tree
// engine / core controller and a concrete storage backend, plus the
// instruction/info protocol that decouples the two. None of the backend
// implementations here are meant for production use — concrete disk
// backends are explicitly out of scope (see spec §1); this package ships
// only the in-memory reference backend used by tests.
package storage

import (
	"errors"
	"fmt"
)

// Store names one of the four logical stores a core needs.
type Store int

const (
	StoreTree Store = iota
	StoreData
	StoreBitfield
	StoreOplog
)

func (s Store) String() string {
	switch s {
	case StoreTree:
		return "tree"
	case StoreData:
		return "data"
	case StoreBitfield:
		return "bitfield"
	case StoreOplog:
		return "oplog"
	default:
		return fmt.Sprintf("Store(%d)", int(s))
	}
}

// InfoType distinguishes a content (byte range) request from a size
// (length / truncate) request.
type InfoType int

const (
	// Content reads or writes a byte range.
	Content InfoType = iota
	// Size reads the store's length, or (when Miss is set on write) truncates to Index.
	Size
)

// Instruction describes what to read from a store.
type Instruction struct {
	Store     Store
	InfoType  InfoType
	Index     uint64
	Length    *uint64 // nil means "read to end of store" for Content; unused for Size
	AllowMiss bool
}

// NewContentInstruction requests `length` bytes at `index` from store.
func NewContentInstruction(store Store, index, length uint64) Instruction {
	return Instruction{Store: store, InfoType: Content, Index: index, Length: &length}
}

// NewContentAllowMissInstruction is like NewContentInstruction but tolerates
// an out-of-bounds read, surfacing it as a miss rather than an error.
func NewContentAllowMissInstruction(store Store, index, length uint64) Instruction {
	return Instruction{Store: store, InfoType: Content, Index: index, Length: &length, AllowMiss: true}
}

// NewAllContentInstruction requests the entire remaining content of a store.
func NewAllContentInstruction(store Store) Instruction {
	return Instruction{Store: store, InfoType: Content, Index: 0}
}

// NewSizeInstruction requests the store's length beyond `index`.
func NewSizeInstruction(store Store, index uint64) Instruction {
	return Instruction{Store: store, InfoType: Size, Index: index}
}

// Info is the result of reading a store, or a description of a write to
// apply to it.
type Info struct {
	Store    Store
	InfoType InfoType
	Index    uint64
	Length   *uint64
	Data     []byte
	// Miss means: on read, the requested range was out of bounds (only
	// possible when the originating Instruction had AllowMiss set); on
	// write, the range at Index/Length should be deleted; for InfoType
	// Size, it means "truncate the store to Index".
	Miss bool
}

// NewContent builds an Info carrying written or read content.
func NewContent(store Store, index uint64, data []byte) Info {
	length := uint64(len(data))
	return Info{Store: store, InfoType: Content, Index: index, Length: &length, Data: data}
}

// NewContentMiss builds an Info reporting a missed content read.
func NewContentMiss(store Store, index uint64) Info {
	return Info{Store: store, InfoType: Content, Index: index, Miss: true}
}

// NewDelete builds an Info instructing a backend to delete length bytes at index.
func NewDelete(store Store, index, length uint64) Info {
	return Info{Store: store, InfoType: Content, Index: index, Length: &length, Miss: true}
}

// NewTruncate builds an Info instructing a backend to truncate to index.
func NewTruncate(store Store, index uint64) Info {
	return Info{Store: store, InfoType: Size, Index: index, Miss: true}
}

// NewSize builds an Info reporting a store's length beyond index.
func NewSize(store Store, index, length uint64) Info {
	return Info{Store: store, InfoType: Size, Index: index, Length: &length}
}

// ErrOutOfBounds is returned by a Backend.Read call whose [offset, offset+len)
// range exceeds the store's current length.
var ErrOutOfBounds = errors.New("storage: read out of bounds")

// Backend is the narrow random-access interface a storage implementation
// must satisfy. It knows nothing about trees, bitfields, or oplogs — it
// is a byte-addressed blob with delete and truncate.
type Backend interface {
	Read(offset, length uint64) ([]byte, error)
	Write(offset uint64, data []byte) error
	Del(offset, length uint64) error
	Truncate(length uint64) error
	Len() (uint64, error)
}

// Stores bundles the four backends a core needs and applies
// Instruction/Info batches to them, dispatching each entry to its own
// store's backend in batch order, one backend call per entry; consecutive
// entries for the same store are not merged.
type Stores struct {
	Tree     Backend
	Data     Backend
	Bitfield Backend
	Oplog    Backend
}

func (s *Stores) backend(store Store) (Backend, error) {
	switch store {
	case StoreTree:
		return s.Tree, nil
	case StoreData:
		return s.Data, nil
	case StoreBitfield:
		return s.Bitfield, nil
	case StoreOplog:
		return s.Oplog, nil
	default:
		return nil, fmt.Errorf("storage: unknown store %v", store)
	}
}

// ReadInfo reads a single instruction. Convenience wrapper over ReadInfos.
func (s *Stores) ReadInfo(instr Instruction) (Info, error) {
	infos, err := s.ReadInfos([]Instruction{instr})
	if err != nil {
		return Info{}, err
	}
	return infos[0], nil
}

// ReadInfos executes a batch of read instructions in order.
func (s *Stores) ReadInfos(instrs []Instruction) ([]Info, error) {
	infos := make([]Info, 0, len(instrs))
	for _, instr := range instrs {
		backend, err := s.backend(instr.Store)
		if err != nil {
			return nil, err
		}
		switch instr.InfoType {
		case Content:
			length := instr.Length
			var readLen uint64
			if length != nil {
				readLen = *length
			} else {
				l, err := backend.Len()
				if err != nil {
					return nil, err
				}
				if instr.Index > l {
					readLen = 0
				} else {
					readLen = l - instr.Index
				}
			}
			data, err := backend.Read(instr.Index, readLen)
			switch {
			case err == nil:
				infos = append(infos, NewContent(instr.Store, instr.Index, data))
			case errors.Is(err, ErrOutOfBounds) && instr.AllowMiss:
				infos = append(infos, NewContentMiss(instr.Store, instr.Index))
			case err != nil:
				return nil, fmt.Errorf("storage: read %s[%d:+%d]: %w", instr.Store, instr.Index, readLen, err)
			}
		case Size:
			l, err := backend.Len()
			if err != nil {
				return nil, err
			}
			var remaining uint64
			if l > instr.Index {
				remaining = l - instr.Index
			}
			infos = append(infos, NewSize(instr.Store, instr.Index, remaining))
		}
	}
	return infos, nil
}

// FlushInfo writes a single Info. Convenience wrapper over FlushInfos.
func (s *Stores) FlushInfo(info Info) error {
	return s.FlushInfos([]Info{info})
}

// FlushInfos applies a batch of writes/deletes/truncates in order.
func (s *Stores) FlushInfos(infos []Info) error {
	for _, info := range infos {
		backend, err := s.backend(info.Store)
		if err != nil {
			return err
		}
		switch info.InfoType {
		case Content:
			if !info.Miss {
				if info.Data != nil {
					if err := backend.Write(info.Index, info.Data); err != nil {
						return fmt.Errorf("storage: write %s[%d]: %w", info.Store, info.Index, err)
					}
				}
			} else {
				if info.Length == nil {
					return fmt.Errorf("storage: delete on %s missing length", info.Store)
				}
				if err := backend.Del(info.Index, *info.Length); err != nil {
					return fmt.Errorf("storage: delete %s[%d:+%d]: %w", info.Store, info.Index, *info.Length, err)
				}
			}
		case Size:
			if !info.Miss {
				return fmt.Errorf("storage: flushing a size info that isn't a truncate is not supported")
			}
			if err := backend.Truncate(info.Index); err != nil {
				return fmt.Errorf("storage: truncate %s to %d: %w", info.Store, info.Index, err)
			}
		}
	}
	return nil
}
