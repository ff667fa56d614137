package persistm

import (
	"encoding/binary"
	"fmt"
)

const (
	// snapshotVersionLegacy marks snapshots from the pre-versioned layout. They
	// can't be parsed anymore; hydration discards them and the state is rebuilt
	// by replaying the log.
	snapshotVersionLegacy uint8 = 0
	snapshotVersion       uint8 = 1

	// format version + offset + payload version + payload size.
	snapshotMetadataSize = 1 + 8 + 1 + 4
)

// SnapshotHeader identifies the log position a snapshot represents and the
// size of the opaque payload that follows it.
type SnapshotHeader struct {
	Offset      Offset
	Version     uint8 // Payload format version, owned by the derived machine.
	PayloadSize int32
}

// Snapshot is a point-in-time capture of derived state. The payload's
// internal structure is owned entirely by the derived state machine.
type Snapshot struct {
	Header  SnapshotHeader
	Payload []byte
}

// NewSnapshot builds a snapshot of payload taken at offset.
func NewSnapshot(offset Offset, version uint8, payload []byte) Snapshot {
	return Snapshot{
		Header: SnapshotHeader{
			Offset:      offset,
			Version:     version,
			PayloadSize: int32(len(payload)),
		},
		Payload: payload,
	}
}

func encodeSnapshotMetadata(header SnapshotHeader) []byte {
	buf := make([]byte, 0, snapshotMetadataSize)
	buf = append(buf, snapshotVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(header.Offset))
	buf = append(buf, header.Version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(header.PayloadSize))
	return buf
}

// decodeSnapshotMetadata parses a metadata block whose format version has
// already been checked against snapshotVersion.
func decodeSnapshotMetadata(meta []byte) (SnapshotHeader, error) {
	if len(meta) < snapshotMetadataSize {
		return SnapshotHeader{}, fmt.Errorf("snapshot metadata too short: %d bytes", len(meta))
	}
	header := SnapshotHeader{
		Offset:      Offset(binary.BigEndian.Uint64(meta[1:9])),
		Version:     meta[9],
		PayloadSize: int32(binary.BigEndian.Uint32(meta[10:14])),
	}
	if header.PayloadSize < 0 {
		return SnapshotHeader{}, fmt.Errorf("negative snapshot payload size: %d", header.PayloadSize)
	}
	return header, nil
}
