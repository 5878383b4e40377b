// Package transform implements the reversible compression and encryption
// stages applied to snapshot blobs before they are stored.
package transform

import (
	"errors"
	"fmt"

	"snapkeep/internal/config"
	"snapkeep/internal/crypto"

	"filippo.io/age"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var ErrTransform = errors.New("transform failed")

// Error reports which stage of the pipeline failed.
type Error struct {
	Op    string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrTransform }

// maxDecodedSize bounds zstd window allocations when decoding untrusted blobs.
const maxDecodedSize = 1 << 30

type Pipeline struct {
	recipient age.Recipient
	identity  age.Identity
}

type Option func(*Pipeline)

func WithRecipient(r age.Recipient) Option {
	return func(p *Pipeline) { p.recipient = r }
}

// WithIdentity sets the decryption identity. If no recipient is configured,
// the identity's own recipient is used for encryption.
func WithIdentity(id *age.X25519Identity) Option {
	return func(p *Pipeline) {
		if id == nil {
			return
		}
		p.identity = id
		if p.recipient == nil {
			p.recipient = id.Recipient()
		}
	}
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Encode compresses then encrypts plain according to cfg.
func (p *Pipeline) Encode(plain []byte, cfg config.Snapshot) ([]byte, error) {
	out, err := compress(plain, cfg.Compression)
	if err != nil {
		return nil, &Error{Op: "encode", Stage: "compression", Err: err}
	}
	if cfg.Encryption {
		if p.recipient == nil {
			return nil, &Error{Op: "encode", Stage: "encryption", Err: errors.New("no age recipient configured")}
		}
		out, err = crypto.Encrypt(out, p.recipient)
		if err != nil {
			return nil, &Error{Op: "encode", Stage: "encryption", Err: err}
		}
	}
	return out, nil
}

// Decode reverses Encode: decrypt, then decompress.
func (p *Pipeline) Decode(encoded []byte, cfg config.Snapshot) ([]byte, error) {
	out := encoded
	if cfg.Encryption {
		if p.identity == nil {
			return nil, &Error{Op: "decode", Stage: "encryption", Err: errors.New("no age identity configured")}
		}
		var err error
		out, err = crypto.Decrypt(out, p.identity)
		if err != nil {
			return nil, &Error{Op: "decode", Stage: "encryption", Err: err}
		}
	}
	plain, err := decompress(out, cfg.Compression)
	if err != nil {
		return nil, &Error{Op: "decode", Stage: "compression", Err: err}
	}
	return plain, nil
}

func compress(data []byte, c config.Compression) ([]byte, error) {
	switch c {
	case "", config.CompressionNone:
		return data, nil
	case config.CompressionBasic:
		return snappy.Encode(nil, data), nil
	case config.CompressionHigh:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

func decompress(data []byte, c config.Compression) ([]byte, error) {
	switch c {
	case "", config.CompressionNone:
		return data, nil
	case config.CompressionBasic:
		return snappy.Decode(nil, data)
	case config.CompressionHigh:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}
