package fec

import (
	"encoding/binary"
	"errors"
)

// shardMarker prefixes every FEC shard frame on the wire. It is chosen
// outside the range of a valid protocol.PacketFlags byte (which only ever
// sets bits 0-4), so a container's datagram dispatch can tell a shard
// frame from an ordinary packet with a single byte check before handing
// off to the protocol parser.
const shardMarker = 0xFE

const shardHeaderSize = 1 + 8 + 1 + 1 + 2

// ErrMalformedShard is returned by UnmarshalShard for a frame too short
// or with a header mismatch.
var ErrMalformedShard = errors.New("fec: malformed shard frame")

// MarshalShard frames one data or parity shard for one encoding group.
func MarshalShard(groupID uint64, shardIndex int, isParity bool, payload []byte) []byte {
	buf := make([]byte, shardHeaderSize+len(payload))
	buf[0] = shardMarker
	binary.BigEndian.PutUint64(buf[1:9], groupID)
	buf[9] = byte(shardIndex)
	if isParity {
		buf[10] = 1
	}
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(payload)))
	copy(buf[shardHeaderSize:], payload)
	return buf
}

// IsShardFrame reports whether data opens with the shard marker.
func IsShardFrame(data []byte) bool {
	return len(data) > 0 && data[0] == shardMarker
}

// UnmarshalShard parses a frame built by MarshalShard.
func UnmarshalShard(data []byte) (groupID uint64, shardIndex int, isParity bool, payload []byte, err error) {
	if len(data) < shardHeaderSize || data[0] != shardMarker {
		return 0, 0, false, nil, ErrMalformedShard
	}
	groupID = binary.BigEndian.Uint64(data[1:9])
	shardIndex = int(data[9])
	isParity = data[10] == 1
	n := binary.BigEndian.Uint16(data[11:13])
	if int(n) > len(data)-shardHeaderSize {
		return 0, 0, false, nil, ErrMalformedShard
	}
	payload = data[shardHeaderSize : shardHeaderSize+int(n)]
	return groupID, shardIndex, isParity, payload, nil
}
