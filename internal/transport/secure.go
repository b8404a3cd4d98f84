package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"mupeer.dev/go/mupeer/internal/protocol"
)

// SecureChannelSuite names the key exchange and cipher of SecureChannel
const SecureChannelSuite = "X25519, HKDF-SHA256, ChaCha20-Poly1305"

const (
	keyExchangeMagic = "MUPR1"
	dialerKeyInfo    = "mupeer dialer to acceptor"
	acceptorKeyInfo  = "mupeer acceptor to dialer"
)

// ErrReplay is returned when a frame arrives with an unexpected nonce
var ErrReplay = errors.New("frame out of order")

// SecureChannel performs an ephemeral X25519 exchange on conn and returns a
// cipher for the framer. The dialer and the acceptor derive one key per
// direction from the shared secret and both public keys.
func SecureChannel(conn net.Conn, dialer bool, timeout time.Duration) (protocol.FrameCipher, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	// The dialer speaks first so the exchange also works on unbuffered pipes
	ours := append([]byte(keyExchangeMagic), pub...)
	var theirPub []byte
	if dialer {
		if err := writeKey(conn, ours); err != nil {
			return nil, err
		}
		if theirPub, err = readKey(conn); err != nil {
			return nil, err
		}
	} else {
		if theirPub, err = readKey(conn); err != nil {
			return nil, err
		}
		if err := writeKey(conn, ours); err != nil {
			return nil, err
		}
	}

	shared, err := curve25519.X25519(priv, theirPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	// The salt binds both public keys in a fixed order
	var salt []byte
	if dialer {
		salt = append(append(salt, pub...), theirPub...)
	} else {
		salt = append(append(salt, theirPub...), pub...)
	}

	d2a, err := deriveAEAD(shared, salt, dialerKeyInfo)
	if err != nil {
		return nil, err
	}
	a2d, err := deriveAEAD(shared, salt, acceptorKeyInfo)
	if err != nil {
		return nil, err
	}

	if dialer {
		return &frameCipher{seal: d2a, open: a2d}, nil
	}
	return &frameCipher{seal: a2d, open: d2a}, nil
}

func writeKey(conn net.Conn, msg []byte) error {
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("send key: %w", err)
	}
	return nil
}

func readKey(conn net.Conn) ([]byte, error) {
	buf := make([]byte, len(keyExchangeMagic)+curve25519.PointSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if string(buf[:len(keyExchangeMagic)]) != keyExchangeMagic {
		return nil, errors.New("peer is not speaking the mupeer protocol")
	}
	return buf[len(keyExchangeMagic):], nil
}

func deriveAEAD(secret, salt []byte, info string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nil
}

// frameCipher uses counter nonces. Seal and Open each keep their own
// counter, so a frame that is dropped, repeated, or reordered fails to open.
type frameCipher struct {
	seal, open cipher.AEAD
	sent, recv uint64
}

func (c *frameCipher) Seal(plaintext []byte) []byte {
	nonce := counterNonce(c.sent)
	c.sent++
	return c.seal.Seal(nil, nonce, plaintext, nil)
}

func (c *frameCipher) Open(ciphertext []byte) ([]byte, error) {
	nonce := counterNonce(c.recv)
	plain, err := c.open.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplay, err)
	}
	c.recv++
	return plain, nil
}

func counterNonce(n uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], n)
	return nonce
}
