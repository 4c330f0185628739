package persistence

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hupe1980/biovault/codec"
)

// Envelope seals codec-encoded payloads into self-describing blobs:
//
//	magic   [4]byte "BVLT"
//	version uint8
//	flags   uint8   (compression bits 0-1, encrypted bit 2)
//	codec   uint8 length + name bytes
//	crc32   uint32  (IEEE, over the body as stored)
//	bodyLen uint32
//	body    payload -> compressed -> encrypted
//
// The CRC covers the body exactly as stored, so corruption is detected
// before any decryption work. Loaders handle encrypted and plaintext blobs
// regardless of their own encryption configuration, which keeps mixed
// fleets loadable during key rotation.

// Magic identifies sealed blobs.
var Magic = [4]byte{'B', 'V', 'L', 'T'}

// FormatVersion is the current envelope format version.
const FormatVersion uint8 = 1

// Compression selects the body compression algorithm.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

const (
	flagCompressionMask = 0x03
	flagEncrypted       = 0x04
)

var (
	// ErrBadMagic is returned when a blob does not start with the envelope magic.
	ErrBadMagic = errors.New("not a sealed blob: bad magic")

	// ErrKeyRequired is returned when a blob is encrypted and no key is configured.
	ErrKeyRequired = errors.New("blob is encrypted but no key is configured")

	// ErrBadKey is returned when decryption fails.
	ErrBadKey = errors.New("blob decryption failed")

	// ErrUnknownCodec is returned when a blob was sealed with an unknown codec.
	ErrUnknownCodec = errors.New("unknown blob codec")
)

// Envelope seals and unseals blob payloads.
type Envelope struct {
	codec       codec.Codec
	compression Compression
	key         []byte // 32 bytes enables encryption; nil disables
}

// NewEnvelope creates an envelope. A nil codec selects the default. The key
// must be nil (encryption off) or chacha20poly1305.KeySize bytes.
func NewEnvelope(c codec.Codec, compression Compression, key []byte) (*Envelope, error) {
	if c == nil {
		c = codec.Default
	}
	if key != nil && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Envelope{codec: c, compression: compression, key: key}, nil
}

// Encrypts reports whether sealed blobs will be encrypted.
func (e *Envelope) Encrypts() bool { return e.key != nil }

// Seal encodes v and wraps it into a sealed blob.
func (e *Envelope) Seal(v any) ([]byte, error) {
	body, err := e.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("seal: marshal: %w", err)
	}

	body, err = compress(body, e.compression)
	if err != nil {
		return nil, fmt.Errorf("seal: compress: %w", err)
	}

	flags := uint8(e.compression) & flagCompressionMask
	if e.key != nil {
		body, err = encrypt(body, e.key)
		if err != nil {
			return nil, fmt.Errorf("seal: encrypt: %w", err)
		}
		flags |= flagEncrypted
	}

	name := e.codec.Name()
	buf := bytes.NewBuffer(make([]byte, 0, len(body)+16+len(name)))
	buf.Write(Magic[:])
	buf.WriteByte(FormatVersion)
	buf.WriteByte(flags)
	buf.WriteByte(uint8(len(name)))
	buf.WriteString(name)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], ComputeChecksum(body))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)

	return buf.Bytes(), nil
}

// Unseal verifies and decodes a sealed blob into v.
//
// Plaintext blobs decode without a key even when this envelope encrypts;
// encrypted blobs decode whenever a key is configured, regardless of the
// current compression/encryption settings.
func (e *Envelope) Unseal(data []byte, v any) error {
	if len(data) < 7 || !bytes.Equal(data[:4], Magic[:]) {
		return ErrBadMagic
	}
	if data[4] != FormatVersion {
		return fmt.Errorf("unsupported blob format version %d", data[4])
	}

	flags := data[5]
	nameLen := int(data[6])
	rest := data[7:]
	if len(rest) < nameLen+8 {
		return io.ErrUnexpectedEOF
	}

	name := string(rest[:nameLen])
	c, ok := codec.ByName(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}

	rest = rest[nameLen:]
	wantCRC := binary.LittleEndian.Uint32(rest[0:4])
	bodyLen := int(binary.LittleEndian.Uint32(rest[4:8]))
	body := rest[8:]
	if len(body) != bodyLen {
		return io.ErrUnexpectedEOF
	}

	if got := ComputeChecksum(body); got != wantCRC {
		return &ChecksumMismatchError{Expected: wantCRC, Actual: got}
	}

	if flags&flagEncrypted != 0 {
		if e.key == nil {
			return ErrKeyRequired
		}
		var err error
		body, err = decrypt(body, e.key)
		if err != nil {
			return err
		}
	}

	body, err := decompress(body, Compression(flags&flagCompressionMask))
	if err != nil {
		return fmt.Errorf("unseal: decompress: %w", err)
	}

	return c.Unmarshal(body, v)
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(data, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aead.NonceSize() {
		return nil, ErrBadKey
	}

	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	return plaintext, nil
}
