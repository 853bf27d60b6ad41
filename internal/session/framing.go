package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/protocolkit/sshkex/internal/wire"
)

// errBadFrame is returned by frameReader.Feed for a packet_length or
// padding_length that cannot describe a valid packet; the packet Data
// callback records it on the Session.
var errBadFrame = errors.New("session: invalid packet framing")

// frameReader decodes the unencrypted RFC 4253 §6 binary packet
// format this engine speaks before NEWKEYS takes effect: a uint32
// packet_length, a padding_length byte, the payload, and random
// padding. MAC/cipher framing past NEWKEYS belongs to the external
// packet framer -- this engine hands off once the new keys are
// installed.
type frameReader struct {
	buf []byte
}

func newFrameReader() *frameReader { return &frameReader{} }

// Feed mirrors the rebindable Data callback's consumed-byte contract:
// it returns the decoded payload (message type byte included) and how
// many bytes of chunk were consumed, or (nil, n, nil) with payload nil
// when more bytes are needed.
func (r *frameReader) Feed(chunk []byte) (payload []byte, consumed int, err error) {
	oldLen := len(r.buf)
	combined := append(r.buf, chunk...)
	r.buf = nil

	if len(combined) < 5 {
		r.buf = combined
		return nil, len(chunk), nil
	}

	packetLen := binary.BigEndian.Uint32(combined[:4])
	total := 4 + int(packetLen)
	if packetLen < 1 || total < 0 {
		return nil, 0, errBadFrame
	}
	if len(combined) < total {
		r.buf = combined
		return nil, len(chunk), nil
	}

	paddingLen := int(combined[4])
	payloadLen := int(packetLen) - 1 - paddingLen
	if payloadLen < 0 || 5+payloadLen > total {
		return nil, 0, errBadFrame
	}

	payload = append([]byte(nil), combined[5:5+payloadLen]...)
	consumed = total - oldLen
	if leftover := combined[total:]; len(leftover) > 0 {
		// Re-fed by the adapter's Pump loop via chunk[consumed:]; keep
		// nothing buffered ourselves.
		_ = leftover
	}
	return payload, consumed, nil
}

// framePacket wraps payload in the minimal unencrypted framing above,
// padding to an 8-byte block with random bytes per RFC 4253 §6.
func framePacket(payload []byte) []byte {
	const blockSize = 8
	const minPadding = 4

	paddingLen := blockSize - (len(payload)+5)%blockSize
	if paddingLen < minPadding {
		paddingLen += blockSize
	}

	padding := make([]byte, paddingLen)
	rand.Read(padding)

	packetLen := 1 + len(payload) + paddingLen
	buf := make([]byte, 0, 4+packetLen)
	buf = wire.PutUint32(buf, uint32(packetLen))
	buf = append(buf, byte(paddingLen))
	buf = append(buf, payload...)
	buf = append(buf, padding...)
	return buf
}
