package core

import (
	"encoding/binary"

	"github.com/datrs/hypercore/crypto"
	"github.com/datrs/hypercore/log"
	"github.com/datrs/hypercore/merkle"
	"github.com/datrs/hypercore/storage"
)

// treeRecordSize is the on-disk size of one tree node record: hash[32]
// followed by a big-endian length (spec §6's file layout table).
const treeRecordSize = crypto.Size + 8

func encodeNodeRecord(n merkle.Node) []byte {
	out := make([]byte, treeRecordSize)
	copy(out, n.Hash[:])
	binary.BigEndian.PutUint64(out[crypto.Size:], n.Length)
	return out
}

func decodeNodeRecord(index uint64, raw []byte) (merkle.Node, bool) {
	var hash crypto.Hash
	copy(hash[:], raw[:crypto.Size])
	if hash.IsZero() {
		return merkle.Node{}, false
	}
	length := binary.BigEndian.Uint64(raw[crypto.Size:treeRecordSize])
	return merkle.Node{Index: index, Hash: hash, Length: length}, true
}

// treeNodeSource resolves merkle.Tree cache misses against the tree
// store's dense array of fixed-size records, routing every read through
// the stores' Instruction/Info protocol rather than touching a backend
// directly (spec §2 item 4, §6): the engine asks for a node, the
// controller answers with what storage returned.
type treeNodeSource struct {
	stores *storage.Stores
	logger *log.Logger
}

func (s *treeNodeSource) GetNode(index uint64) (merkle.Node, bool, error) {
	if s.logger != nil && s.logger.Enabled(log.LevelDebug) {
		s.logger.Debug("tree node cache miss, reading from store", "index", index)
	}
	info, err := s.stores.ReadInfo(storage.NewContentAllowMissInstruction(storage.StoreTree, index*treeRecordSize, treeRecordSize))
	if err != nil {
		return merkle.Node{}, false, err
	}
	if info.Miss {
		return merkle.Node{}, false, nil
	}
	node, ok := decodeNodeRecord(index, info.Data)
	return node, ok, nil
}

func writeTreeNodes(stores *storage.Stores, nodes []merkle.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	infos := make([]storage.Info, len(nodes))
	for i, n := range nodes {
		infos[i] = storage.NewContent(storage.StoreTree, n.Index*treeRecordSize, encodeNodeRecord(n))
	}
	return stores.FlushInfos(infos)
}
