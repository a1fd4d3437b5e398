// Package core implements the single-writer controller that ties the
// Merkle tree engine, bitfield, oplog, and storage backend into one
// coherent append-only, cryptographically verifiable log: the
// "hypercore" itself.
package core

import (
	"sync"

	"github.com/datrs/hypercore/bitfield"
	"github.com/datrs/hypercore/crypto"
	"github.com/datrs/hypercore/flattree"
	"github.com/datrs/hypercore/log"
	"github.com/datrs/hypercore/merkle"
	"github.com/datrs/hypercore/oplog"
	"github.com/datrs/hypercore/storage"
)

// Status is a snapshot of a core's public state, returned by Info.
type Status struct {
	Length     uint64
	ByteLength uint64
	Fork       uint64
	Writable   bool
}

// Core is the single-writer façade over a core's four stores. Every
// exported method other than Subscribe and Close (which only touch the
// event bus, guarded by its own lock) acquires the controller's mutex
// for its full duration (spec §5): suspension only ever happens at a storage-backend
// boundary, never mid-algorithm, so readers and writers never observe a
// torn state.
type Core struct {
	mu sync.Mutex

	cfg      Config
	stores   *storage.Stores
	keyPair  crypto.PartialKeypair
	manifest crypto.Manifest
	tree     *merkle.Tree
	bf       *bitfield.Bitfield
	log      *oplog.Log
	events   *EventBus
	logger   *log.Logger
}

// Open reconstructs a core from stores: if the oplog has never been
// flushed, it bootstraps a fresh, empty core using createKeyPair and
// createManifest; otherwise it recovers the last durably flushed state,
// ignoring any oplog entries written after that flush (spec §7/§8's
// crash-safety guarantee — an entry the header doesn't yet account for
// never happened, as far as recovery is concerned).
func Open(stores *storage.Stores, createKeyPair crypto.PartialKeypair, createManifest crypto.Manifest, opts ...Option) (*Core, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}

	wal, payload, _, err := oplog.Open(stores.Oplog)
	if err != nil {
		return nil, ioErr("open: read oplog", err)
	}

	if !wal.HasActive() {
		oplogLen, lerr := stores.Oplog.Len()
		if lerr != nil {
			return nil, ioErr("open: stat oplog", lerr)
		}
		if oplogLen >= 2*oplog.SlotSize {
			return nil, ErrBadHeader
		}
	}

	keyPair := createKeyPair
	manifest := createManifest
	var treeState oplog.TreeState
	if wal.HasActive() {
		keyPair = payload.KeyPair
		manifest = payload.Manifest
		treeState = payload.Tree
	}

	treeLogger := cfg.Logger.Component("tree")
	oplogLogger := cfg.Logger.Component("oplog")
	bitfieldLogger := cfg.Logger.Component("bitfield")
	coreLogger := cfg.Logger.Component("core")

	if slot, ok := wal.ActiveSlot(); ok {
		oplogLogger.Debug("recovered active oplog header slot", "slot", slot)
	} else {
		oplogLogger.Debug("no active oplog header slot; bootstrapping fresh core")
	}

	tree := merkle.RestoreWithCacheCapacity(
		&treeNodeSource{stores: stores, logger: treeLogger},
		treeState.Length, treeState.ByteLength, treeState.Fork,
		treeState.Roots, treeState.Signature,
		cfg.NodeCacheCapacity,
	)

	bf, err := loadBitfield(stores, bitfieldLogger)
	if err != nil {
		return nil, ioErr("open: load bitfield", err)
	}

	c := &Core{
		cfg:      cfg,
		stores:   stores,
		keyPair:  keyPair,
		manifest: manifest,
		tree:     tree,
		bf:       bf,
		log:      wal,
		events:   NewEventBus(cfg.EventBufferSize),
		logger:   coreLogger,
	}
	return c, nil
}

// Close shuts down the core's event bus. It does not flush or close the
// underlying storage backends, which callers own.
func (c *Core) Close() {
	c.events.Close()
}

// Info returns a snapshot of the core's length, byte length, fork
// counter, and whether it holds a secret key.
func (c *Core) Info() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Length:     c.tree.Length,
		ByteLength: c.tree.ByteLength,
		Fork:       c.tree.Fork,
		Writable:   c.keyPair.Writable(),
	}
}

// KeyPair returns the core's key pair (secret half nil if opened
// read-only).
func (c *Core) KeyPair() crypto.PartialKeypair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyPair
}

// Manifest returns the core's manifest.
func (c *Core) Manifest() crypto.Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest
}

// Subscribe registers a subscription for the given event types (every
// type, if none given).
func (c *Core) Subscribe(types ...EventType) *Subscription {
	return c.events.Subscribe(types...)
}

// persistHeader writes the core's current in-memory state to the oplog's
// active header slot.
func (c *Core) persistHeader() error {
	payload := oplog.Payload{
		KeyPair:  c.keyPair,
		Manifest: c.manifest,
		Tree: oplog.TreeState{
			Length:     c.tree.Length,
			ByteLength: c.tree.ByteLength,
			Fork:       c.tree.Fork,
			Roots:      c.tree.Roots,
			Signature:  c.tree.Signature,
		},
	}
	return c.log.Flush(payload)
}

// Append adds blocks to the end of the log. Tree nodes, block data, the
// bitfield update, and the oplog entry become durable in that order
// (spec §5): if a step fails partway, the oplog header is never
// advanced, so a reopen after a crash sees none of it.
func (c *Core) Append(blocks ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.keyPair.Writable() {
		return ErrNotWritable
	}
	if len(blocks) == 0 {
		return nil
	}

	startIndex := c.tree.Length
	startByte := c.tree.ByteLength

	cs := c.tree.NewChangeset()
	for _, b := range blocks {
		cs.Append(b)
	}
	if err := cs.HashAndSign(c.keyPair); err != nil {
		return err
	}

	if err := writeTreeNodes(c.stores, cs.Nodes); err != nil {
		return ioErr("append: write tree nodes", err)
	}

	dataInfos := make([]storage.Info, len(blocks))
	offset := startByte
	for i, b := range blocks {
		dataInfos[i] = storage.NewContent(storage.StoreData, offset, b)
		offset += uint64(len(b))
	}
	if err := c.stores.FlushInfos(dataInfos); err != nil {
		return ioErr("append: write data", err)
	}

	upd := c.bf.SetRange(startIndex, uint64(len(blocks)), true)
	if err := flushBitfieldRange(c.stores, c.bf, upd.Start, upd.Length); err != nil {
		return ioErr("append: write bitfield", err)
	}

	entry := oplog.Entry{
		TreeNodes: cs.Nodes,
		TreeUpgrade: &oplog.TreeUpgrade{
			Length: cs.Length, ByteLength: cs.ByteLength, Fork: cs.Fork, Signature: cs.Signature,
		},
		BitfieldUpdate: &upd,
	}
	if err := c.log.AppendEntry(entry); err != nil {
		return ioErr("append: oplog entry", err)
	}

	c.tree.Commit(cs)
	if err := c.persistHeader(); err != nil {
		return ioErr("append: flush header", err)
	}

	c.logger.Info("append committed", "start", startIndex, "count", len(blocks), "length", c.tree.Length)
	c.events.Publish(EventDataUpgrade, DataUpgradeEvent{})
	c.events.Publish(EventHave, HaveEvent{Start: startIndex, Length: uint64(len(blocks)), Drop: false})
	return nil
}

// Get returns block i's bytes. If the bitfield doesn't mark i present,
// it emits EventGet and returns (nil, false, nil) rather than an error —
// a miss is a normal outcome a caller resolves by fetching and applying
// a proof, not a failure.
func (c *Core) Get(i uint64) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bf.Get(i) {
		c.events.Publish(EventGet, GetEvent{Index: i})
		return nil, false, nil
	}

	node, ok, err := c.tree.Get(i * 2)
	if err != nil {
		return nil, false, ioErr("get: read tree node", err)
	}
	if !ok {
		return nil, false, &merkle.InvalidProofError{Reason: "bitfield marks the block present but its tree node is missing"}
	}

	offset, err := c.tree.ByteOffset(i)
	if err != nil {
		return nil, false, ioErr("get: compute byte offset", err)
	}
	info, err := c.stores.ReadInfo(storage.NewContentInstruction(storage.StoreData, offset, node.Length))
	if err != nil {
		return nil, false, ioErr("get: read data", err)
	}
	data := info.Data
	if crypto.LeafHash(data) != node.Hash {
		return nil, false, &merkle.InvalidProofError{Reason: "stored block bytes do not match the tree's recorded hash"}
	}
	return data, true, nil
}

// CreateProof answers a combination of block/hash/seek/upgrade requests
// against the core's current committed state. A block component's wire
// value is filled in here, from the data store, since merkle.CreateProof
// only ever sees tree nodes, never block bytes.
func (c *Core) CreateProof(block, hash *merkle.NodesRequest, seek *merkle.RequestSeek, upgrade *merkle.RequestUpgrade) (*merkle.Proof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	proof, err := merkle.CreateProof(c.tree, block, hash, seek, upgrade)
	if err != nil || proof == nil || proof.Block == nil {
		return proof, err
	}

	node, ok, err := c.tree.Get(proof.Block.Index * 2)
	if err != nil {
		return nil, ioErr("create_proof: read block node", err)
	}
	if !ok {
		return nil, &merkle.InvalidProofError{Reason: "block node missing from tree"}
	}
	offset, err := c.tree.ByteOffset(proof.Block.Index)
	if err != nil {
		return nil, ioErr("create_proof: compute byte offset", err)
	}
	info, err := c.stores.ReadInfo(storage.NewContentInstruction(storage.StoreData, offset, node.Length))
	if err != nil {
		return nil, ioErr("create_proof: read block data", err)
	}
	proof.Block.Value = info.Data

	return proof, nil
}

// VerifyAndApplyProof validates an upgrade/node proof against the core's
// public key and, on success, commits the resulting tree state and
// persists the delta. It reports what changed so a caller syncing a
// whole swarm knows whether a truncation of the bitfield/data stores
// just happened underneath it.
func (c *Core) VerifyAndApplyProof(p *merkle.Proof) (merkle.ApplyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldLength := c.tree.Length
	result, err := merkle.VerifyAndApplyProof(c.tree, c.keyPair.Public, p)
	if err != nil {
		return merkle.ApplyResult{}, err
	}

	var allNodes []merkle.Node
	if p.Block != nil {
		allNodes = append(allNodes, p.Block.Nodes...)
	}
	if p.Hash != nil {
		allNodes = append(allNodes, p.Hash.Nodes...)
	}
	if p.Seek != nil {
		allNodes = append(allNodes, p.Seek.Nodes...)
	}
	if p.Upgrade != nil {
		allNodes = append(allNodes, p.Upgrade.Nodes...)
	}
	if err := writeTreeNodes(c.stores, allNodes); err != nil {
		return merkle.ApplyResult{}, ioErr("verify_and_apply_proof: write tree nodes", err)
	}

	var bitUpd *bitfield.Update
	if result.Forked {
		truncByte, err := c.tree.ByteOffset(result.TruncateTo)
		if err != nil {
			return merkle.ApplyResult{}, ioErr("verify_and_apply_proof: compute truncation offset", err)
		}
		if err := c.stores.FlushInfo(storage.NewTruncate(storage.StoreData, truncByte)); err != nil {
			return merkle.ApplyResult{}, ioErr("verify_and_apply_proof: truncate data", err)
		}
		upd := c.bf.SetRange(result.TruncateTo, oldLength-result.TruncateTo, false)
		if err := flushBitfieldRange(c.stores, c.bf, upd.Start, upd.Length); err != nil {
			return merkle.ApplyResult{}, ioErr("verify_and_apply_proof: update bitfield", err)
		}
		bitUpd = &upd
	}

	entry := oplog.Entry{TreeNodes: allNodes, BitfieldUpdate: bitUpd}
	if p.Upgrade != nil {
		entry.TreeUpgrade = &oplog.TreeUpgrade{
			Length: c.tree.Length, ByteLength: c.tree.ByteLength, Fork: c.tree.Fork, Signature: c.tree.Signature,
		}
	}
	if err := c.log.AppendEntry(entry); err != nil {
		return merkle.ApplyResult{}, ioErr("verify_and_apply_proof: oplog entry", err)
	}
	if err := c.persistHeader(); err != nil {
		return merkle.ApplyResult{}, ioErr("verify_and_apply_proof: flush header", err)
	}

	if result.Grew {
		start := oldLength
		if result.Forked {
			start = result.TruncateTo
		}
		c.logger.Info("proof applied", "length", c.tree.Length, "fork", c.tree.Fork, "forked", result.Forked)
		c.events.Publish(EventDataUpgrade, DataUpgradeEvent{})
		c.events.Publish(EventHave, HaveEvent{Start: start, Length: c.tree.Length - start, Drop: false})
	}
	if result.Forked {
		c.events.Publish(EventHave, HaveEvent{Start: result.TruncateTo, Length: oldLength - result.TruncateTo, Drop: true})
	}
	return result, nil
}

// ApplyBlockProof verifies data against a block proof's sibling chain
// and, if it recomputes to a root the tree already recognizes, writes
// the block's bytes and tree node and marks it present. This is how a
// reader turns the proof wire format's per-block "value" payload (spec
// §6) into local state once VerifyAndApplyProof has already brought the
// tree's root set up to date.
func (c *Core) ApplyBlockProof(index uint64, data []byte, proof *merkle.Proof) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if proof == nil || proof.Block == nil || proof.Block.Index != index {
		return &merkle.InvalidProofError{Reason: "proof does not cover the requested block"}
	}
	ok, err := merkle.VerifyBlockHash(c.tree, index, data, proof.Block.Nodes)
	if err != nil {
		return err
	}
	if !ok {
		return &merkle.InvalidProofError{Reason: "block hash does not recompute to a known root"}
	}

	leaf := merkle.Node{Index: index * 2, Hash: crypto.LeafHash(data), Length: uint64(len(data))}
	if err := writeTreeNodes(c.stores, append([]merkle.Node{leaf}, proof.Block.Nodes...)); err != nil {
		return ioErr("apply_block_proof: write tree nodes", err)
	}

	offset, err := c.tree.ByteOffset(index)
	if err != nil {
		return ioErr("apply_block_proof: compute byte offset", err)
	}
	if err := c.stores.FlushInfo(storage.NewContent(storage.StoreData, offset, data)); err != nil {
		return ioErr("apply_block_proof: write data", err)
	}

	upd := c.bf.SetRange(index, 1, true)
	if err := flushBitfieldRange(c.stores, c.bf, upd.Start, upd.Length); err != nil {
		return ioErr("apply_block_proof: write bitfield", err)
	}

	entry := oplog.Entry{TreeNodes: proof.Block.Nodes, BitfieldUpdate: &upd}
	if err := c.log.AppendEntry(entry); err != nil {
		return ioErr("apply_block_proof: oplog entry", err)
	}
	if err := c.persistHeader(); err != nil {
		return ioErr("apply_block_proof: flush header", err)
	}

	c.events.Publish(EventHave, HaveEvent{Start: index, Length: 1, Drop: false})
	return nil
}

// Truncate rewinds the tree and bitfield to newLength, bumping the fork
// counter — adopting a shorter history, as happens before a writer
// extends along a new fork.
func (c *Core) Truncate(newLength uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.keyPair.Writable() {
		return ErrNotWritable
	}
	if newLength >= c.tree.Length {
		return &InvalidOperationError{Context: "truncate: new_length must be less than the current length"}
	}

	oldLength := c.tree.Length
	cs := c.tree.Truncate(newLength, c.tree.Fork+1)
	if err := cs.HashAndSign(c.keyPair); err != nil {
		return err
	}

	if err := c.stores.FlushInfo(storage.NewTruncate(storage.StoreData, cs.ByteLength)); err != nil {
		return ioErr("truncate: data store", err)
	}
	if err := c.stores.FlushInfo(storage.NewTruncate(storage.StoreTree, 2*newLength*treeRecordSize)); err != nil {
		return ioErr("truncate: tree store", err)
	}

	upd := c.bf.SetRange(newLength, oldLength-newLength, false)
	if err := flushBitfieldRange(c.stores, c.bf, upd.Start, upd.Length); err != nil {
		return ioErr("truncate: bitfield", err)
	}

	entry := oplog.Entry{
		TreeUpgrade: &oplog.TreeUpgrade{
			Length: cs.Length, ByteLength: cs.ByteLength, Fork: cs.Fork, Signature: cs.Signature,
		},
		BitfieldUpdate: &upd,
	}
	if err := c.log.AppendEntry(entry); err != nil {
		return ioErr("truncate: oplog entry", err)
	}

	c.tree.Commit(cs)
	if err := c.persistHeader(); err != nil {
		return ioErr("truncate: flush header", err)
	}

	c.logger.Info("truncate", "old_length", oldLength, "new_length", newLength, "fork", c.tree.Fork)
	c.events.Publish(EventHave, HaveEvent{Start: newLength, Length: oldLength - newLength, Drop: true})
	return nil
}

// Clear drops blocks [start, end) from local storage without affecting
// the tree's length or signature: the data is forgotten, not un-appended.
func (c *Core) Clear(start, end uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if end > c.tree.Length {
		end = c.tree.Length
	}
	if start >= end {
		return nil
	}

	startByte, err := c.tree.ByteOffset(start)
	if err != nil {
		return ioErr("clear: compute start offset", err)
	}
	endByte, err := c.tree.ByteOffset(end)
	if err != nil {
		return ioErr("clear: compute end offset", err)
	}
	if endByte > startByte {
		if err := c.stores.FlushInfo(storage.NewDelete(storage.StoreData, startByte, endByte-startByte)); err != nil {
			return ioErr("clear: delete data", err)
		}
	}

	upd := c.bf.SetRange(start, end-start, false)
	if err := flushBitfieldRange(c.stores, c.bf, upd.Start, upd.Length); err != nil {
		return ioErr("clear: bitfield", err)
	}

	entry := oplog.Entry{BitfieldUpdate: &upd}
	if err := c.log.AppendEntry(entry); err != nil {
		return ioErr("clear: oplog entry", err)
	}
	if err := c.persistHeader(); err != nil {
		return ioErr("clear: flush header", err)
	}

	c.logger.Debug("clear", "start", start, "end", end)
	c.events.Publish(EventHave, HaveEvent{Start: start, Length: end - start, Drop: true})
	return nil
}

// MissingNodes reports how many uncached ancestor nodes stand between
// block index's leaf and the nearest node this core already has on file
// (a recognized root or a cached/stored internal node), the count a
// downloader uses to size a proof request so it doesn't re-fetch nodes
// already known locally.
func (c *Core) MissingNodes(index uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := index * 2
	var count uint64
	for {
		node, ok, err := c.tree.Get(cur)
		if err != nil {
			return 0, ioErr("missing_nodes", err)
		}
		if ok && !node.Blank() {
			return count, nil
		}
		count++
		for _, r := range flattree.FullRoots(c.tree.Length) {
			if r == cur {
				return count, nil
			}
		}
		parent := flattree.Parent(cur)
		if parent == cur {
			return count, nil
		}
		cur = parent
	}
}
