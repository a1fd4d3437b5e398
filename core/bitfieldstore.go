package core

import (
	"github.com/datrs/hypercore/bitfield"
	"github.com/datrs/hypercore/log"
	"github.com/datrs/hypercore/storage"
)

// loadBitfield reconstructs a bitfield.Bitfield from every whole page
// present in stores' bitfield store, routing both the length probe and
// the page reads through the Instruction/Info protocol in a single
// batched call (spec §2 item 4, §6).
func loadBitfield(stores *storage.Stores, logger *log.Logger) (*bitfield.Bitfield, error) {
	bf := bitfield.New()

	sizeInfo, err := stores.ReadInfo(storage.NewSizeInstruction(storage.StoreBitfield, 0))
	if err != nil {
		return nil, err
	}
	total := uint64(0)
	if sizeInfo.Length != nil {
		total = *sizeInfo.Length
	}
	pages := total / bitfield.PageBytes
	if pages == 0 {
		return bf, nil
	}

	instrs := make([]storage.Instruction, pages)
	for p := uint64(0); p < pages; p++ {
		instrs[p] = storage.NewContentInstruction(storage.StoreBitfield, p*bitfield.PageBytes, bitfield.PageBytes)
	}
	infos, err := stores.ReadInfos(instrs)
	if err != nil {
		return nil, err
	}
	for p, info := range infos {
		bf.LoadPage(uint64(p), info.Data)
	}

	if logger != nil {
		logger.Debug("materialized bitfield pages from store", "pages", pages)
	}
	return bf, nil
}

// flushBitfieldRange persists every page touched by [start, start+length)
// to stores' bitfield store in a single batched write.
func flushBitfieldRange(stores *storage.Stores, bf *bitfield.Bitfield, start, length uint64) error {
	if length == 0 {
		return nil
	}
	firstPage := start / bitfield.PageBits
	lastPage := (start + length - 1) / bitfield.PageBits

	infos := make([]storage.Info, 0, lastPage-firstPage+1)
	for p := firstPage; p <= lastPage; p++ {
		infos = append(infos, storage.NewContent(storage.StoreBitfield, p*bitfield.PageBytes, bf.PageBytesAt(p)))
	}
	return stores.FlushInfos(infos)
}
