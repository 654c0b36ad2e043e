// Package record implements the confidentiality and integrity layer:
// AES-128-CBC encryption over a continuous per-direction cipher chain,
// MD5-based framing, and the packet types (data/part/nodata/reset/close)
// described in spec.md 4.2. It is grounded in
// original_source/src/record.py, updated to the newer part/nodata
// variant and the 8-byte truncated-MD5 digest decided in SPEC_FULL.md.
package record

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/arrowhead-io/vtun/internal/backend"
)

// PacketType enumerates the wire packet types (spec.md 3, 4.2).
type PacketType byte

const (
	PacketData   PacketType = 1
	PacketPart   PacketType = 2
	PacketNoData PacketType = 3
	PacketReset  PacketType = 254
	PacketClose  PacketType = 255
)

const (
	blockSize = aes.BlockSize // 16

	// DigestSize is the truncated-MD5 trailer length. SPEC_FULL.md picks
	// the 8-byte variant; both peers must agree.
	DigestSize = 8

	headerSize = 4 // DataLen:u16 | PadLen:u8 | Type:u8

	// maxPartChunk is the largest chunk emitted as a `part` packet: the
	// largest multiple of blockSize, minus header+digest, that is also
	// <= 65535 (spec.md 4.2 "65524 bytes").
	maxPartChunk = 65524

	// maxDataLen is the largest DataLen a single frame's u16 field can
	// hold.
	maxDataLen = 65535
)

var (
	ErrHashfail             = errors.New("record: digest mismatch")
	ErrInvalidHeader        = errors.New("record: invalid frame header")
	ErrFirstPacketIncorrect = errors.New("record: first frame malformed")
	ErrRemoteReset          = errors.New("record: peer sent a reset frame")
	ErrInsecureClosing      = errors.New("record: backend closed without a close frame")
	ErrConnectionClosed     = errors.New("record: peer sent a secure close frame")
)

func digest(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:DigestSize]
}

// Record is one direction-paired AES-CBC session over a backend, per
// spec.md 3 "Record layer".
type Record struct {
	be backend.Backend

	sendMu     sync.Mutex
	sendCipher cipher.BlockMode

	recvCipher      cipher.BlockMode
	cipherBuf       []byte
	plainBuf        []byte
	recvSynced      bool
	headerParsed    bool
	pendingDataLen  uint16
	pendingPadLen   byte
	pendingType     PacketType
	pendingFrameLen int

	partBuf []byte

	secureClosed        bool
	closed              bool
	firstPacketAccepted bool
}

// New derives the session key as MD5(presharedKey) and performs the
// IV handshake: each side enqueues one AES-encrypted block of random
// plaintext, non-urgently, per spec.md 4.2. The IV is never sent in the
// clear; CBC's self-synchronizing chain lets the receiver discard the
// first decrypted block instead.
func New(be backend.Backend, presharedKey string) (*Record, error) {
	key := md5.Sum([]byte(presharedKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("record: deriving cipher: %w", err)
	}

	sendIV := make([]byte, blockSize)
	if _, err := rand.Read(sendIV); err != nil {
		return nil, fmt.Errorf("record: generating send IV: %w", err)
	}
	// The receive-side cipher's IV is irrelevant: the first decrypted
	// block is discarded unread, so any starting IV produces the same
	// outcome once synchronized. A second independent block is used
	// purely so the recv cipher object is distinct from the send one.
	recvIV := make([]byte, blockSize)

	r := &Record{
		be:         be,
		sendCipher: cipher.NewCBCEncrypter(block, sendIV),
		recvCipher: cipher.NewCBCDecrypter(block, recvIV),
	}

	handshake := make([]byte, blockSize)
	if _, err := rand.Read(handshake); err != nil {
		return nil, fmt.Errorf("record: generating handshake block: %w", err)
	}
	enc := make([]byte, blockSize)
	r.sendCipher.CryptBlocks(enc, handshake)
	if err := r.be.Send(enc, false); err != nil {
		return nil, fmt.Errorf("record: sending handshake block: %w", err)
	}

	return r, nil
}

func (r *Record) sendFrame(data, padding []byte, typ PacketType) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], uint16(len(data)))
	header[2] = byte(len(padding))
	header[3] = byte(typ)

	plain := make([]byte, 0, headerSize+len(data)+len(padding)+DigestSize)
	plain = append(plain, header...)
	plain = append(plain, data...)
	plain = append(plain, padding...)

	d := digest(plain)
	frame := make([]byte, 0, len(plain)+DigestSize)
	frame = append(frame, plain...)
	frame = append(frame, d...)

	if len(frame)%blockSize != 0 {
		return fmt.Errorf("record: internal frame alignment bug: %d bytes", len(frame))
	}

	enc := make([]byte, len(frame))
	r.sendCipher.CryptBlocks(enc, frame)
	return r.be.Send(enc, true)
}

func randomPadding(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	p := make([]byte, n)
	_, err := rand.Read(p)
	return p, err
}

func padLenFor(dataLen int) int {
	return (blockSize - (headerSize+dataLen+DigestSize)%blockSize) % blockSize
}

// SendData emits payload as one `data` packet, or as a sequence of
// `part` packets followed by a final `data` packet when it exceeds the
// 65535-byte per-frame limit, per spec.md 4.2.
func (r *Record) SendData(payload []byte) error {
	for len(payload) > maxDataLen {
		chunk := payload[:maxPartChunk]
		payload = payload[maxPartChunk:]
		if err := r.sendFrame(chunk, nil, PacketPart); err != nil {
			return err
		}
	}
	padding, err := randomPadding(padLenFor(len(payload)))
	if err != nil {
		return err
	}
	return r.sendFrame(payload, padding, PacketData)
}

func (r *Record) sendZeroDataFrame(typ PacketType) error {
	padding, err := randomPadding(padLenFor(0))
	if err != nil {
		return err
	}
	return r.sendFrame(nil, padding, typ)
}

func (r *Record) sendReset() error {
	return r.sendZeroDataFrame(PacketReset)
}

// Close emits a `close` frame. It does not shut down the backend; the
// caller owns the backend's lifetime (spec.md 4.2 "Closing contract").
func (r *Record) Close() error {
	return r.sendZeroDataFrame(PacketClose)
}

// decryptAvailable decrypts every whole-block prefix of cipherBuf into
// plainBuf, dropping the first decrypted block once to complete the IV
// handshake (spec.md 4.2).
func (r *Record) decryptAvailable() {
	n := len(r.cipherBuf) - len(r.cipherBuf)%blockSize
	if n == 0 {
		return
	}
	chunk := r.cipherBuf[:n]
	r.cipherBuf = r.cipherBuf[n:]

	dec := make([]byte, n)
	r.recvCipher.CryptBlocks(dec, chunk)

	if !r.recvSynced {
		dec = dec[blockSize:]
		r.recvSynced = true
	}
	r.plainBuf = append(r.plainBuf, dec...)
}

// parseFrames drains as many complete frames as plainBuf holds, invoking
// sink for each decoded data/part payload once fully reassembled
// (spec.md 9's "drains into a caller-provided sink" re-architecture of
// the Python generator).
func (r *Record) parseFrames(sink func([]byte)) error {
	for {
		if !r.headerParsed {
			if len(r.plainBuf) < headerSize {
				return nil
			}
			dataLen := binary.BigEndian.Uint16(r.plainBuf[0:2])
			padLen := r.plainBuf[2]
			typ := PacketType(r.plainBuf[3])

			frameLen := headerSize + int(dataLen) + int(padLen) + DigestSize
			if frameLen%blockSize != 0 {
				return r.invalidFrame()
			}
			switch typ {
			case PacketData, PacketPart:
			case PacketNoData, PacketReset, PacketClose:
				if dataLen != 0 {
					return r.invalidFrame()
				}
			default:
				return r.invalidFrame()
			}

			r.pendingDataLen = dataLen
			r.pendingPadLen = padLen
			r.pendingType = typ
			r.pendingFrameLen = frameLen
			r.headerParsed = true
		}

		if len(r.plainBuf) < r.pendingFrameLen {
			return nil
		}

		frame := r.plainBuf[:r.pendingFrameLen]
		r.plainBuf = r.plainBuf[r.pendingFrameLen:]
		r.headerParsed = false

		body := frame[:headerSize+int(r.pendingDataLen)+int(r.pendingPadLen)]
		trailer := frame[len(body):]

		if !hmacEqual(digest(body), trailer) {
			return r.hashFailure()
		}
		r.firstPacketAccepted = true

		data := body[headerSize : headerSize+int(r.pendingDataLen)]

		switch r.pendingType {
		case PacketNoData:
			// discarded
		case PacketReset:
			return ErrRemoteReset
		case PacketClose:
			r.secureClosed = true
			return ErrConnectionClosed
		case PacketPart:
			r.partBuf = append(r.partBuf, data...)
		case PacketData:
			full := r.partBuf
			r.partBuf = nil
			if full == nil {
				sink(data)
			} else {
				sink(append(full, data...))
			}
		}
	}
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// invalidFrame and hashFailure implement spec.md 7's error policy: a
// `reset` frame is sent only once at least one packet has already been
// decoded successfully; otherwise the peer is presumed to be speaking a
// different protocol and nothing is sent.
func (r *Record) invalidFrame() error {
	return r.failWithPolicy(ErrInvalidHeader)
}

func (r *Record) hashFailure() error {
	return r.failWithPolicy(ErrHashfail)
}

func (r *Record) failWithPolicy(err error) error {
	if !r.firstPacketAccepted {
		return ErrFirstPacketIncorrect
	}
	_ = r.sendReset()
	return err
}

// BackendAvailable reports whether the underlying backend's queued
// output is below its high-water mark (spec.md 4.4 backpressure).
func (r *Record) BackendAvailable() bool {
	return r.be.Available()
}

// Receive appends freshly read ciphertext and decodes any complete
// frames, invoking sink once per reassembled data payload. It should be
// called in a loop each time the backend has new bytes, mirroring
// receive_packets() in original_source/src/record.py.
func (r *Record) Receive(sink func([]byte)) error {
	data, err := r.be.Recv()
	if err != nil {
		if r.secureClosed {
			return ErrConnectionClosed
		}
		return ErrInsecureClosing
	}
	r.cipherBuf = append(r.cipherBuf, data...)
	r.decryptAvailable()
	return r.parseFrames(sink)
}
