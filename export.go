package querypilot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

// ExportFormat selects the serialization of an exported history snapshot.
type ExportFormat string

const (
	// ExportFormatJSON is plain JSON.
	ExportFormatJSON ExportFormat = "json"
	// ExportFormatSnappy is snappy-compressed JSON.
	ExportFormatSnappy ExportFormat = "snappy"
)

const (
	exportSaltSize   = 32
	exportNonceSize  = 12
	exportKeySize    = 32
	exportKDFRounds  = 100000
	exportVersion    = 1
	exportMagicPlain = "QPH1"
	exportMagicEnc   = "QPE1"
)

// ExportOptions controls how a history snapshot is serialized.
type ExportOptions struct {
	Format ExportFormat

	// Passphrase enables AES-256-GCM encryption of the payload when set.
	Passphrase string
}

// historyEnvelope is the on-disk shape of an exported snapshot.
type historyEnvelope struct {
	Version    int                         `json:"version"`
	ExportedAt time.Time                   `json:"exported_at"`
	Format     ExportFormat                `json:"format"`
	Entries    []*OptimizationHistoryEntry `json:"entries"`
}

// ExportHistorySnapshot serializes entries into a portable blob. The blob
// starts with a four byte magic so imports can detect encryption without
// being told.
func ExportHistorySnapshot(entries []*OptimizationHistoryEntry, opts ExportOptions) ([]byte, error) {
	if opts.Format == "" {
		opts.Format = ExportFormatJSON
	}

	envelope := historyEnvelope{
		Version:    exportVersion,
		ExportedAt: time.Now(),
		Format:     opts.Format,
		Entries:    entries,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	switch opts.Format {
	case ExportFormatJSON:
	case ExportFormatSnappy:
		payload = snappy.Encode(nil, payload)
	default:
		return nil, fmt.Errorf("unknown export format %q", opts.Format)
	}

	if opts.Passphrase == "" {
		out := make([]byte, 0, 4+1+len(payload))
		out = append(out, exportMagicPlain...)
		out = append(out, formatByte(opts.Format))
		return append(out, payload...), nil
	}

	salt := make([]byte, exportSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := exportAEAD(opts.Passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, exportNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, payload, nil)

	out := make([]byte, 0, 4+1+exportSaltSize+exportNonceSize+len(sealed))
	out = append(out, exportMagicEnc...)
	out = append(out, formatByte(opts.Format))
	out = append(out, salt...)
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

// ImportHistorySnapshot parses a blob produced by ExportHistorySnapshot.
// The passphrase is required only for encrypted blobs.
func ImportHistorySnapshot(data []byte, passphrase string) ([]*OptimizationHistoryEntry, error) {
	if len(data) < 5 {
		return nil, ErrInvalidImport
	}
	magic := string(data[:4])
	format, err := formatFromByte(data[4])
	if err != nil {
		return nil, err
	}
	payload := data[5:]

	switch magic {
	case exportMagicPlain:
	case exportMagicEnc:
		if passphrase == "" {
			return nil, errors.New("snapshot is encrypted, passphrase required")
		}
		if len(payload) < exportSaltSize+exportNonceSize {
			return nil, ErrInvalidImport
		}
		salt := payload[:exportSaltSize]
		nonce := payload[exportSaltSize : exportSaltSize+exportNonceSize]
		sealed := payload[exportSaltSize+exportNonceSize:]

		gcm, err := exportAEAD(passphrase, salt)
		if err != nil {
			return nil, err
		}
		payload, err = gcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt snapshot: %w", err)
		}
	default:
		return nil, ErrInvalidImport
	}

	if format == ExportFormatSnappy {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
	}

	var envelope historyEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if envelope.Version != exportVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrInvalidImport, envelope.Version)
	}
	return envelope.Entries, nil
}

func exportAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, exportKDFRounds, exportKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func formatByte(f ExportFormat) byte {
	if f == ExportFormatSnappy {
		return 's'
	}
	return 'j'
}

func formatFromByte(b byte) (ExportFormat, error) {
	switch b {
	case 'j':
		return ExportFormatJSON, nil
	case 's':
		return ExportFormatSnappy, nil
	default:
		return "", ErrInvalidImport
	}
}
