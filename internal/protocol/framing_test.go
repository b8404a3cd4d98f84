package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFramerWriteRead(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)

	msg, err := NewMessage(MsgKeepalive, struct{}{})
	if err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}

	if err := framer.WriteMessage(msg); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}

	framer2 := NewFramer(bytes.NewReader(buf.Bytes()), nil)
	readMsg, err := framer2.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	if readMsg.Type != MsgKeepalive {
		t.Errorf("Expected type %s, got %s", MsgKeepalive, readMsg.Type)
	}
}

func TestFramerDataMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)

	payload := []byte(`{"eventName":"counter","info":{"senderEntityID":null,"sendTime":1},"payload":3}`)
	if err := framer.WriteMessage(NewDataMessage(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, size, err := framer.ReadMessageWithSize()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if size == 0 {
		t.Error("expected non-zero size")
	}
	if msg.Type != MsgData {
		t.Errorf("type: got %s, want %s", msg.Type, MsgData)
	}
	if !bytes.Equal(msg.Data, payload) {
		t.Errorf("data mismatch: got %s", msg.Data)
	}
}

func TestFramerMultipleMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)

	types := []MessageType{MsgHello, MsgData, MsgKeepalive, MsgBye}
	for _, mt := range types {
		if err := framer.Send(mt, map[string]string{"type": string(mt)}); err != nil {
			t.Fatalf("send %s: %v", mt, err)
		}
	}

	for _, want := range types {
		msg, err := framer.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if msg.Type != want {
			t.Errorf("got %s, want %s", msg.Type, want)
		}
	}
}

func TestFramerMessageTooLarge(t *testing.T) {
	buf := &bytes.Buffer{}
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, MaxMessageSize+1)
	buf.Write(lengthBuf)

	framer := NewFramer(buf, nil)
	if _, err := framer.ReadRaw(); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	w := NewFramer(nil, &bytes.Buffer{})
	if err := w.WriteRaw(make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge on write, got %v", err)
	}
}

func TestFramerTruncatedBody(t *testing.T) {
	buf := &bytes.Buffer{}
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, 100)
	buf.Write(lengthBuf)
	buf.Write([]byte("short"))

	framer := NewFramer(buf, nil)
	if _, err := framer.ReadRaw(); err == nil {
		t.Error("expected error for truncated body")
	}
}

// xorCipher is a toy cipher that records how it was used
type xorCipher struct {
	sealed int
}

func (c *xorCipher) Seal(p []byte) []byte {
	c.sealed++
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5a
	}
	return out
}

func (c *xorCipher) Open(p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5a
	}
	return out, nil
}

func TestFramerWithCipher(t *testing.T) {
	buf := &bytes.Buffer{}
	c := &xorCipher{}
	framer := NewFramer(buf, buf)
	framer.SetCipher(c)

	if err := framer.WriteRaw([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Error("plaintext visible on the wire")
	}

	got, err := framer.ReadRaw()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
	if c.sealed != 1 {
		t.Errorf("sealed: got %d, want 1", c.sealed)
	}
}
