package segment

import (
	"encoding/binary"
	"fmt"
)

// statsSize is the fixed on-disk width of Stats per spec.md §6:
// {schema_version:u32, min_version:u64, max_version:u64, count:u64}.
const statsSize = 4 + 8 + 8 + 8

func encodeStats(s Stats) []byte {
	buf := make([]byte, statsSize)
	binary.BigEndian.PutUint32(buf[0:4], s.SchemaVersion)
	binary.BigEndian.PutUint64(buf[4:12], s.MinVersion)
	binary.BigEndian.PutUint64(buf[12:20], s.MaxVersion)
	binary.BigEndian.PutUint64(buf[20:28], uint64(s.Count))
	return buf
}

func decodeStats(buf []byte) (Stats, error) {
	if len(buf) != statsSize {
		return Stats{}, fmt.Errorf("segment: stats length %d, want %d", len(buf), statsSize)
	}

	return Stats{
		SchemaVersion: binary.BigEndian.Uint32(buf[0:4]),
		MinVersion:    binary.BigEndian.Uint64(buf[4:12]),
		MaxVersion:    binary.BigEndian.Uint64(buf[12:20]),
		Count:         int(binary.BigEndian.Uint64(buf[20:28])),
	}, nil
}
