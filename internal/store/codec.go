package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/devrev/pairdb/refstore/internal/model"
)

// ErrCorrupt is returned when a stored record fails its checksum
var ErrCorrupt = errors.New("corrupt record")

var crc32Table = crc32.MakeTable(crc32.IEEE)

// encodeRecord serializes a record as JSON followed by a little-endian CRC32 of the JSON
func encodeRecord(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	return binary.LittleEndian.AppendUint32(data, crc32.Checksum(data, crc32Table)), nil
}

// decodeRecord verifies and parses a record written by encodeRecord
func decodeRecord(id model.ReferenceID, raw []byte) (*Record, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, id, len(raw))
	}
	data, sum := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.Checksum(data, crc32Table) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrCorrupt, id)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity %s: %w", id, err)
	}
	if rec.Entity.Singletons == nil {
		rec.Entity.Singletons = make(map[string]string)
	}
	if rec.Entity.Collections == nil {
		rec.Entity.Collections = make(map[string][]string)
	}
	if rec.Version == nil {
		rec.Version = model.VersionMap{}
	}
	return &rec, nil
}
