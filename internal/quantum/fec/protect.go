package fec

import (
	"encoding/binary"
	"sync"
)

// Protector wraps an Encoder/Decoder pair to shield one connection's
// outbound datagram stream with Reed-Solomon parity, framing each shard
// for the wire and reassembling datagrams lost in transit from whatever
// shards do arrive.
//
// Every protected datagram is length-prefixed before entering the coding
// group: padding a group's shards to a common length (required by
// Reed-Solomon) would otherwise leave trailing zero bytes in a
// reconstructed datagram, and those bytes would then be misread as a
// spurious message header by the protocol parser.
type Protector struct {
	enc *Encoder
	dec *Decoder

	mu        sync.Mutex
	delivered map[uint64]map[int]bool
}

// NewProtector builds a Protector for one connection's send/receive pair.
// Both sides of a connection must agree on the same shard counts.
func NewProtector(cfg *Config) (*Protector, error) {
	enc, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	return &Protector{enc: enc, dec: dec, delivered: make(map[uint64]map[int]bool)}, nil
}

// ProtectOutbound frames datagram as a data shard and returns it plus any
// parity shards the group produced, in the order they should be sent.
func (p *Protector) ProtectOutbound(datagram []byte) [][]byte {
	payload := lengthPrefix(datagram)
	groupID, shardIndex, parity, err := p.enc.AddData(payload)
	if err != nil {
		// A group that fails to encode degrades to sending the data shard
		// unprotected rather than dropping the datagram outright.
		return [][]byte{MarshalShard(groupID, shardIndex, false, payload)}
	}
	frames := make([][]byte, 0, 1+len(parity))
	frames = append(frames, MarshalShard(groupID, shardIndex, false, payload))
	for i, shard := range parity {
		frames = append(frames, MarshalShard(groupID, i, true, shard))
	}
	return frames
}

// HandleShardFrame consumes one inbound shard frame. It returns every
// datagram now known — the frame's own payload when it carried data
// directly, plus any datagrams this shard allowed the group to
// reconstruct.
func (p *Protector) HandleShardFrame(frame []byte) (datagrams [][]byte, err error) {
	groupID, shardIndex, isParity, payload, err := UnmarshalShard(frame)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delivered := p.delivered[groupID]
	if delivered == nil {
		delivered = make(map[int]bool)
		p.delivered[groupID] = delivered
	}

	if !isParity && !delivered[shardIndex] {
		if dg, ok := stripLengthPrefix(payload); ok {
			datagrams = append(datagrams, dg)
		}
		delivered[shardIndex] = true
	}

	recovered, decErr := p.dec.AddShard(groupID, shardIndex, payload, isParity)
	if decErr != nil {
		return datagrams, nil
	}
	if recovered != nil {
		for i, shard := range recovered {
			if delivered[i] {
				continue
			}
			delivered[i] = true
			if dg, ok := stripLengthPrefix(shard); ok {
				datagrams = append(datagrams, dg)
			}
		}
		delete(p.delivered, groupID)
	}
	return datagrams, nil
}

func lengthPrefix(datagram []byte) []byte {
	buf := make([]byte, 2+len(datagram))
	binary.BigEndian.PutUint16(buf, uint16(len(datagram)))
	copy(buf[2:], datagram)
	return buf
}

func stripLengthPrefix(padded []byte) ([]byte, bool) {
	if len(padded) < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(padded[:2]))
	if n < 0 || 2+n > len(padded) {
		return nil, false
	}
	return padded[2 : 2+n], true
}
