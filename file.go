package lockbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"southwinds.dev/lockbox/internal/misc"
)

const (
	// fileVersion is the on-disk container version.
	fileVersion = byte(1)

	// defaultChunkSize is the plaintext chunk size, 64 KiB. Large enough to
	// amortise the per-chunk tag and length overhead, small enough to keep
	// memory bounded regardless of file size.
	defaultChunkSize = 64 * 1024

	// maxChunkCiphertext rejects absurd length prefixes before allocating.
	maxChunkCiphertext = 16*1024*1024 + TagSize
)

var fileMagic = []byte("LBX1")

// FileCodec encrypts and decrypts files of arbitrary size in bounded-memory
// chunks, each independently authenticated.
//
// CONTAINER FORMAT:
//
//	[4 bytes:  magic "LBX1"]
//	[1 byte:   version]
//	[12 bytes: nonce base (random per file)]
//	then one or more chunks of
//	[4 bytes:  ciphertext length, big-endian]
//	[N bytes:  ciphertext]
//	[16 bytes: authentication tag]
//
// Each chunk's nonce is the nonce base with the chunk index added into its
// trailing 8 bytes as a big-endian counter, so nonces are unique within a
// file without per-chunk randomness. The chunk's additional data binds the
// nonce base, the chunk index, the container version, and a final-chunk
// flag; reordering, substituting, or dropping trailing chunks therefore
// fails authentication, and the flag makes whole-chunk truncation
// detectable. An empty input still produces one empty final chunk, so a
// header-only file is malformed rather than a valid empty one.
type FileCodec struct {
	m         *Manager
	chunkSize int
}

// Files returns the file codec for this manager, using the configured
// chunk size.
func (m *Manager) Files() *FileCodec {
	size := m.opts.FileChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	return &FileCodec{m: m, chunkSize: size}
}

// EncryptFile reads the file at inputPath and writes its encrypted form to
// outputPath. On any failure the partially written output is removed, so
// outputPath either holds a complete container or does not exist. The
// context is checked between chunks; cancellation yields ErrCancelled.
func (c *FileCodec) EncryptFile(ctx context.Context, inputPath, outputPath string) error {
	err := c.m.UseKey(func(key []byte) error {
		return encryptFileWithKey(ctx, key, c.chunkSize, inputPath, outputPath)
	})
	c.m.logAudit("encrypt_file", err, map[string]interface{}{"output": outputPath})
	return err
}

// DecryptFile decrypts the container at inputPath into outputPath. On any
// failure, including an authentication failure partway through, the partial
// output is removed.
func (c *FileCodec) DecryptFile(ctx context.Context, inputPath, outputPath string) error {
	err := c.m.UseKey(func(key []byte) error {
		return decryptFileWithKey(ctx, key, inputPath, outputPath)
	})
	c.m.logAudit("decrypt_file", err, map[string]interface{}{"input": inputPath})
	return err
}

// EncryptContent encrypts an in-memory payload into container form, for
// callers that hold the data rather than a path.
func (c *FileCodec) EncryptContent(ctx context.Context, content []byte) ([]byte, error) {
	var out bytes.Buffer
	err := c.m.UseKey(func(key []byte) error {
		return encryptStream(ctx, key, c.chunkSize, bytes.NewReader(content), &out)
	})
	c.m.logAudit("encrypt_content", err, nil)
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecryptContent decrypts an in-memory container produced by EncryptContent
// or read from an encrypted file.
func (c *FileCodec) DecryptContent(ctx context.Context, container []byte) ([]byte, error) {
	var out bytes.Buffer
	err := c.m.UseKey(func(key []byte) error {
		return decryptStream(ctx, key, bytes.NewReader(container), &out)
	})
	c.m.logAudit("decrypt_content", err, nil)
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// EncryptStream encrypts r into w in container form. The writer receives a
// possibly incomplete container on failure; path-based callers get cleanup,
// stream callers own their sink.
func (c *FileCodec) EncryptStream(ctx context.Context, r io.Reader, w io.Writer) error {
	err := c.m.UseKey(func(key []byte) error {
		return encryptStream(ctx, key, c.chunkSize, r, w)
	})
	c.m.logAudit("encrypt_stream", err, nil)
	return err
}

// DecryptStream decrypts a container from r into w. Plaintext for a chunk is
// written only after that chunk authenticates; on any error the data already
// written stays in w and the caller must discard it.
func (c *FileCodec) DecryptStream(ctx context.Context, r io.Reader, w io.Writer) error {
	err := c.m.UseKey(func(key []byte) error {
		return decryptStream(ctx, key, r, w)
	})
	c.m.logAudit("decrypt_stream", err, nil)
	return err
}

// EncryptFileWithKey is the keyed variant used during password migration.
func EncryptFileWithKey(ctx context.Context, key []byte, inputPath, outputPath string) error {
	return encryptFileWithKey(ctx, key, defaultChunkSize, inputPath, outputPath)
}

// DecryptFileWithKey is the keyed variant of DecryptFile.
func DecryptFileWithKey(ctx context.Context, key []byte, inputPath, outputPath string) error {
	return decryptFileWithKey(ctx, key, inputPath, outputPath)
}

func encryptFileWithKey(ctx context.Context, key []byte, chunkSize int, inputPath, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, misc.FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err = encryptStream(ctx, key, chunkSize, in, out); err != nil {
		out.Close()
		os.Remove(outputPath)
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("failed to sync output file: %w", err)
	}
	if err = out.Close(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("failed to close output file: %w", err)
	}
	return nil
}

func decryptFileWithKey(ctx context.Context, key []byte, inputPath, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, misc.FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err = decryptStream(ctx, key, in, out); err != nil {
		out.Close()
		os.Remove(outputPath)
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("failed to sync output file: %w", err)
	}
	if err = out.Close(); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("failed to close output file: %w", err)
	}
	return nil
}

func encryptStream(ctx context.Context, key []byte, chunkSize int, r io.Reader, w io.Writer) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	nonceBase := make([]byte, NonceSize)
	if _, err = rand.Read(nonceBase); err != nil {
		return fmt.Errorf("failed to generate nonce base: %w", err)
	}

	if _, err = w.Write(fileMagic); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err = w.Write([]byte{fileVersion}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err = w.Write(nonceBase); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	plainBuf := make([]byte, chunkSize)
	var index uint64
	var lenBuf [4]byte

	// Read one chunk ahead so the current chunk knows whether it is final.
	// An empty input takes the final branch immediately with a zero-length
	// chunk, which is why an empty file still carries one chunk.
	current, readErr := readChunk(r, plainBuf)
	for {
		if err = ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read input: %w", readErr)
		}

		final := errors.Is(readErr, io.EOF)
		var next []byte
		var nextErr error
		if !final {
			nextBuf := make([]byte, chunkSize)
			next, nextErr = readChunk(r, nextBuf)
			if errors.Is(nextErr, io.EOF) {
				// No further input; the chunk in hand is the last one
				final = true
			}
		}

		nonce := chunkNonce(nonceBase, index)
		aad := chunkAAD(nonceBase, index, final)
		sealed := aead.Seal(nil, nonce, current, aad)

		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)-TagSize))
		if _, err = w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
		if _, err = w.Write(sealed); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}

		if final {
			return nil
		}
		current, readErr = next, nextErr
		index++
	}
}

func decryptStream(ctx context.Context, key []byte, r io.Reader, w io.Writer) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	header := make([]byte, len(fileMagic)+1+NonceSize)
	if _, err = io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: incomplete header", ErrTruncated)
		}
		return fmt.Errorf("failed to read header: %w", err)
	}
	if !bytes.Equal(header[:len(fileMagic)], fileMagic) {
		return fmt.Errorf("%w: unrecognised container magic", ErrFormat)
	}
	if header[len(fileMagic)] != fileVersion {
		return fmt.Errorf("%w: unsupported container version %d", ErrFormat, header[len(fileMagic)])
	}
	nonceBase := header[len(fileMagic)+1:]

	var index uint64
	var lenBuf [4]byte
	sawFinal := false

	for !sawFinal {
		if err = ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				// Stream ended cleanly but the final-flagged chunk never
				// arrived: trailing chunks were removed
				return fmt.Errorf("%w: container ends before final chunk", ErrAuthenticationFailure)
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: incomplete chunk length", ErrTruncated)
			}
			return fmt.Errorf("failed to read chunk length: %w", err)
		}

		ctLen := int(binary.BigEndian.Uint32(lenBuf[:]))
		if ctLen+TagSize > maxChunkCiphertext {
			return fmt.Errorf("%w: chunk length %d exceeds limit", ErrFormat, ctLen)
		}

		sealed := make([]byte, ctLen+TagSize)
		if _, err = io.ReadFull(r, sealed); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: incomplete chunk", ErrTruncated)
			}
			return fmt.Errorf("failed to read chunk: %w", err)
		}

		nonce := chunkNonce(nonceBase, index)

		// The final flag is not stored; try the non-final binding first and
		// fall back to final. Exactly one can authenticate for a given chunk.
		plain, openErr := aead.Open(nil, nonce, sealed, chunkAAD(nonceBase, index, false))
		if openErr != nil {
			plain, openErr = aead.Open(nil, nonce, sealed, chunkAAD(nonceBase, index, true))
			if openErr != nil {
				return fmt.Errorf("%w: chunk %d: %v", ErrAuthenticationFailure, index, openErr)
			}
			sawFinal = true
		}

		if _, err = w.Write(plain); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		index++
	}

	// Anything after the final chunk is not covered by any tag
	var trailer [1]byte
	if n, _ := r.Read(trailer[:]); n != 0 {
		return fmt.Errorf("%w: data after final chunk", ErrFormat)
	}
	return nil
}

// readChunk fills buf as far as the reader allows and returns the filled
// prefix. io.EOF is returned only when zero bytes were read.
func readChunk(r io.Reader, buf []byte) ([]byte, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return buf[:n], err
}

// chunkNonce derives the per-chunk nonce by adding index into the trailing
// 8 bytes of the base, big-endian with carry.
func chunkNonce(base []byte, index uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	counter := binary.BigEndian.Uint64(nonce[NonceSize-8:])
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], counter+index)
	return nonce
}

// chunkAAD binds the nonce base, chunk index, container version, and the
// final-chunk flag into the chunk's authentication tag.
func chunkAAD(base []byte, index uint64, final bool) []byte {
	aad := make([]byte, NonceSize+8+1+1)
	copy(aad, base)
	binary.BigEndian.PutUint64(aad[NonceSize:], index)
	aad[NonceSize+8] = fileVersion
	if final {
		aad[NonceSize+9] = 1
	}
	return aad
}
