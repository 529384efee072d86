package video

import "encoding/binary"

// StreamKind distinguishes a webcam feed from a screen-share feed; each
// sender gets an independent FrameAssembler per kind.
type StreamKind uint8

const (
	Webcam StreamKind = 0
	Screen StreamKind = 1
)

// headerSize is the fixed 24-byte datagram header: sender_uid (u32),
// frame_id (u32), chunk_index (u16), chunk_total (u16), payload_len (u16),
// stream_kind (u8), and 9 reserved/padding bytes to round out to 24.
const headerSize = 24

// MaxChunkPayload is the largest payload a single chunk may carry, chosen
// to stay under typical LAN MTU once header overhead is added.
const MaxChunkPayload = 1400

type header struct {
	SenderUID  uint32
	FrameID    uint32
	ChunkIndex uint16
	ChunkTotal uint16
	PayloadLen uint16
	StreamKind StreamKind
}

func decodeHeader(data []byte) (header, []byte, bool) {
	if len(data) < headerSize {
		return header{}, nil, false
	}
	h := header{
		SenderUID:  binary.BigEndian.Uint32(data[0:4]),
		FrameID:    binary.BigEndian.Uint32(data[4:8]),
		ChunkIndex: binary.BigEndian.Uint16(data[8:10]),
		ChunkTotal: binary.BigEndian.Uint16(data[10:12]),
		PayloadLen: binary.BigEndian.Uint16(data[12:14]),
		StreamKind: StreamKind(data[14]),
	}
	if int(h.PayloadLen) > len(data)-headerSize {
		return header{}, nil, false
	}
	payload := data[headerSize : headerSize+int(h.PayloadLen)]
	return h, payload, true
}

func encodeHeader(h header, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], h.SenderUID)
	binary.BigEndian.PutUint32(buf[4:8], h.FrameID)
	binary.BigEndian.PutUint16(buf[8:10], h.ChunkIndex)
	binary.BigEndian.PutUint16(buf[10:12], h.ChunkTotal)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(payload)))
	buf[14] = byte(h.StreamKind)
	copy(buf[headerSize:], payload)
	return buf
}
