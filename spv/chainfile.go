package spv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Header chain file layout:
//
//	preamble (16 bytes): magic "SPVH" | version uint32 | base height uint32 | committed count uint32
//	records: committed count * (80-byte serialized header | 32-byte block hash), base first
//
// The hash is stored because signed-block networks hash more than the
// 80-byte record. Version 1 files hold bare 80-byte records and are
// rewritten in the current layout when opened.
//
// Appends write and sync the records before bumping the committed count, so
// a torn append leaves uncommitted bytes that are ignored on the next open.
const (
	chainFileMagic    = "SPVH"
	chainFileVersion  = 2
	chainPreambleSize = 16
	chainRecordSize   = BlockHeaderSize + HashSize
	countOffset       = 12

	legacyChainFileVersion = 1
)

// chainFile is the committed content of a header chain file.
type chainFile struct {
	version uint32
	base    uint32
	headers []*BlockHeader
}

// HeadersFileName returns the per-network header chain file name.
func HeadersFileName(n Network) string {
	return "headers_chain_" + n.String()
}

func encodePreamble(base uint32, count uint32) []byte {
	buf := make([]byte, chainPreambleSize)
	copy(buf[0:4], chainFileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], chainFileVersion)
	binary.LittleEndian.PutUint32(buf[8:12], base)
	binary.LittleEndian.PutUint32(buf[12:16], count)
	return buf
}

func encodeRecord(h *BlockHeader) []byte {
	hash := h.BlockHash()
	return append(SerializeHeader(h), hash[:]...)
}

// readChainFile loads the committed records of a header chain file. Heights
// are assigned from the base height. Bytes beyond the committed records are
// ignored.
func readChainFile(path string) (*chainFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pre := make([]byte, chainPreambleSize)
	if _, err := io.ReadFull(f, pre); err != nil {
		return nil, fmt.Errorf("%w: preamble: %w", ErrCorruptChainFile, err)
	}
	if string(pre[0:4]) != chainFileMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptChainFile, pre[0:4])
	}
	cf := &chainFile{
		version: binary.LittleEndian.Uint32(pre[4:8]),
		base:    binary.LittleEndian.Uint32(pre[8:12]),
	}
	var recSize int64
	switch cf.version {
	case chainFileVersion:
		recSize = chainRecordSize
	case legacyChainFileVersion:
		recSize = BlockHeaderSize
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptChainFile, cf.version)
	}
	count := binary.LittleEndian.Uint32(pre[12:16])

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	available := (info.Size() - chainPreambleSize) / recSize
	if int64(count) > available {
		log.Warnf("Header file %s commits %d records but holds %d, truncating", path, count, available)
		count = uint32(available)
	}

	cf.headers = make([]*BlockHeader, 0, count)
	rec := make([]byte, recSize)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(f, rec); err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrCorruptChainFile, i, err)
		}
		h, err := DeserializeHeader(rec[:BlockHeaderSize])
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrCorruptChainFile, i, err)
		}
		if recSize == chainRecordSize {
			copy(h.Hash[:], rec[BlockHeaderSize:])
		}
		h.Height = cf.base + i
		cf.headers = append(cf.headers, h)
	}
	return cf, nil
}

// writeChainFile atomically replaces the file at path with the given chain.
func writeChainFile(path string, base uint32, headers []*BlockHeader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create chain dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp chain file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	buf := make([]byte, 0, chainPreambleSize+len(headers)*chainRecordSize)
	buf = append(buf, encodePreamble(base, uint32(len(headers)))...)
	for _, h := range headers {
		buf = append(buf, encodeRecord(h)...)
	}
	if _, err := tmp.Write(buf); err != nil {
		cleanup()
		return fmt.Errorf("write temp chain file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp chain file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp chain file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename chain file: %w", err)
	}
	return syncDir(dir)
}

// appendChainFile writes headers as records starting at record index from
// and commits them. Any stale bytes past the new end are truncated.
func appendChainFile(path string, from uint32, headers []*BlockHeader) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open chain file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(headers)*chainRecordSize)
	for _, h := range headers {
		buf = append(buf, encodeRecord(h)...)
	}
	offset := int64(chainPreambleSize) + int64(from)*chainRecordSize
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write chain records: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync chain records: %w", err)
	}

	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, from+uint32(len(headers)))
	if _, err := f.WriteAt(count, countOffset); err != nil {
		return fmt.Errorf("commit chain records: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync chain commit: %w", err)
	}

	end := offset + int64(len(buf))
	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("truncate chain file: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync chain dir: %w", err)
	}
	return nil
}
