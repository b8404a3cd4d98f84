package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Maximum message size (10 MB)
const MaxMessageSize = 10 * 1024 * 1024

// sealOverhead is headroom left for a cipher's authentication tag
const sealOverhead = 64

// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize
var ErrMessageTooLarge = errors.New("message too large")

// FrameCipher seals and opens whole frames. Implementations keep their own
// nonce state, so frames must be opened in the order they were sealed.
type FrameCipher interface {
	Seal(plaintext []byte) []byte
	Open(ciphertext []byte) ([]byte, error)
}

// Framer handles length-prefixed message framing, optionally encrypted
type Framer struct {
	reader io.Reader
	writer io.Writer
	cipher FrameCipher

	wmu sync.Mutex
}

// NewFramer creates a new framer
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: r,
		writer: w,
	}
}

// SetCipher switches the framer to encrypted frames. Call it before any
// concurrent use.
func (f *Framer) SetCipher(c FrameCipher) {
	f.cipher = c
}

// ReadMessage reads a length-prefixed message
func (f *Framer) ReadMessage() (*Message, error) {
	msg, _, err := f.ReadMessageWithSize()
	return msg, err
}

// ReadMessageWithSize reads a length-prefixed message and returns its size
func (f *Framer) ReadMessageWithSize() (*Message, int, error) {
	body, err := f.ReadRaw()
	if err != nil {
		return nil, len(body), err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, len(body), fmt.Errorf("decode message: %w", err)
	}

	return &msg, len(body), nil
}

// WriteMessage writes a length-prefixed message
func (f *Framer) WriteMessage(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return f.WriteRaw(body)
}

// Send creates a message and writes it
func (f *Framer) Send(msgType MessageType, payload interface{}) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return f.WriteMessage(msg)
}

// ReadRaw reads one frame body, decrypting it when a cipher is set
func (f *Framer) ReadRaw() ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(f.reader, lengthBuf); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if f.cipher != nil {
		plain, err := f.cipher.Open(body)
		if err != nil {
			return nil, fmt.Errorf("open frame: %w", err)
		}
		return plain, nil
	}

	return body, nil
}

// WriteRaw writes one frame body, encrypting it when a cipher is set. The
// length prefix and body go out in a single write so concurrent writers
// cannot interleave.
func (f *Framer) WriteRaw(data []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	// Size is checked before sealing so a rejected frame never consumes a nonce.
	if len(data) > MaxMessageSize-sealOverhead {
		return ErrMessageTooLarge
	}
	if f.cipher != nil {
		data = f.cipher.Seal(data)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := f.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}
