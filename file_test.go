package lockbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testFileManager(t *testing.T, chunkSize int) *Manager {
	t.Helper()
	m := newUnlockedManager(t)
	m.opts.FileChunkSize = chunkSize
	return m
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to generate data: %v", err)
	}
	return b
}

func TestFileContentRoundTrip(t *testing.T) {
	const chunk = 4 * 1024
	m := testFileManager(t, chunk)
	files := m.Files()
	ctx := context.Background()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"below one chunk", chunk - 1},
		{"exactly one chunk", chunk},
		{"one chunk plus one", chunk + 1},
		{"several chunks", 3*chunk + 17},
		{"exact multiple", 4 * chunk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain := randomBytes(t, tt.size)

			container, err := files.EncryptContent(ctx, plain)
			if err != nil {
				t.Fatalf("EncryptContent failed: %v", err)
			}

			got, err := files.DecryptContent(ctx, container)
			if err != nil {
				t.Fatalf("DecryptContent failed: %v", err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("round trip mismatch at size %d", tt.size)
			}
		})
	}
}

func TestFilePathRoundTrip(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	ctx := context.Background()
	dir := t.TempDir()

	plain := randomBytes(t, 10*1024+5)
	inputPath := filepath.Join(dir, "plain.bin")
	encryptedPath := filepath.Join(dir, "plain.bin.lbx")
	restoredPath := filepath.Join(dir, "restored.bin")

	if err := os.WriteFile(inputPath, plain, 0600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	if err := files.EncryptFile(ctx, inputPath, encryptedPath); err != nil {
		t.Fatalf("EncryptFile failed: %v", err)
	}
	if err := files.DecryptFile(ctx, encryptedPath, restoredPath); err != nil {
		t.Fatalf("DecryptFile failed: %v", err)
	}

	restored, err := os.ReadFile(restoredPath)
	if err != nil {
		t.Fatalf("failed to read restored file: %v", err)
	}
	if !bytes.Equal(restored, plain) {
		t.Error("restored file differs from original")
	}

	info, err := os.Stat(encryptedPath)
	if err != nil {
		t.Fatalf("failed to stat encrypted file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("encrypted file mode %v, want 0600", info.Mode().Perm())
	}
}

func TestFileHeaderOnlyIsMalformed(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	ctx := context.Background()

	container, err := files.EncryptContent(ctx, nil)
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	// An empty input still carries one authenticated final chunk
	headerLen := len(fileMagic) + 1 + NonceSize
	if len(container) <= headerLen {
		t.Fatal("empty input produced a header-only container")
	}

	if _, err = files.DecryptContent(ctx, container[:headerLen]); err == nil {
		t.Error("header-only container decrypted")
	}
}

func TestFileRejectsBadHeader(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	ctx := context.Background()

	container, err := files.EncryptContent(ctx, []byte("data"))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	wrongMagic := append([]byte(nil), container...)
	copy(wrongMagic, "NOPE")
	if _, err = files.DecryptContent(ctx, wrongMagic); !errors.Is(err, ErrFormat) {
		t.Errorf("wrong magic: got %v, want ErrFormat", err)
	}

	wrongVersion := append([]byte(nil), container...)
	wrongVersion[len(fileMagic)] = 99
	if _, err = files.DecryptContent(ctx, wrongVersion); !errors.Is(err, ErrFormat) {
		t.Errorf("wrong version: got %v, want ErrFormat", err)
	}

	if _, err = files.DecryptContent(ctx, container[:3]); !errors.Is(err, ErrTruncated) {
		t.Errorf("short header: got %v, want ErrTruncated", err)
	}
}

func TestFileDetectsMidChunkTruncation(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	ctx := context.Background()

	container, err := files.EncryptContent(ctx, randomBytes(t, 9*1024))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	if _, err = files.DecryptContent(ctx, container[:len(container)-7]); !errors.Is(err, ErrTruncated) {
		t.Errorf("mid-chunk cut: got %v, want ErrTruncated", err)
	}
}

func TestFileDetectsRemovedFinalChunk(t *testing.T) {
	const chunk = 4 * 1024
	m := testFileManager(t, chunk)
	files := m.Files()
	ctx := context.Background()

	container, err := files.EncryptContent(ctx, randomBytes(t, 2*chunk+100))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	// Cut the container exactly at a chunk boundary, removing whole trailing
	// chunks without leaving a partial one
	headerLen := len(fileMagic) + 1 + NonceSize
	firstChunkLen := int(binary.BigEndian.Uint32(container[headerLen:]))
	cut := headerLen + 4 + firstChunkLen + TagSize

	if _, err = files.DecryptContent(ctx, container[:cut]); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("whole-chunk truncation: got %v, want ErrAuthenticationFailure", err)
	}
}

func TestFileDetectsChunkReorder(t *testing.T) {
	const chunk = 4 * 1024
	m := testFileManager(t, chunk)
	files := m.Files()
	ctx := context.Background()

	container, err := files.EncryptContent(ctx, randomBytes(t, 3*chunk))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	// Equal-size chunks: swap the first two
	headerLen := len(fileMagic) + 1 + NonceSize
	chunkLen := 4 + chunk + TagSize
	swapped := append([]byte(nil), container...)
	copy(swapped[headerLen:], container[headerLen+chunkLen:headerLen+2*chunkLen])
	copy(swapped[headerLen+chunkLen:], container[headerLen:headerLen+chunkLen])

	if _, err = files.DecryptContent(ctx, swapped); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("reordered chunks: got %v, want ErrAuthenticationFailure", err)
	}
}

func TestFileDetectsTamperedChunk(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	ctx := context.Background()

	container, err := files.EncryptContent(ctx, randomBytes(t, 6*1024))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	tampered := append([]byte(nil), container...)
	tampered[len(tampered)/2] ^= 0x01

	if _, err = files.DecryptContent(ctx, tampered); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("tampered chunk: got %v, want ErrAuthenticationFailure", err)
	}
}

func TestFileRejectsTrailingGarbage(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	ctx := context.Background()

	container, err := files.EncryptContent(ctx, []byte("short payload"))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	withGarbage := append(append([]byte(nil), container...), 0xde, 0xad)
	if _, err = files.DecryptContent(ctx, withGarbage); !errors.Is(err, ErrFormat) {
		t.Errorf("trailing garbage: got %v, want ErrFormat", err)
	}
}

func TestFileEncryptionCancellation(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := files.EncryptContent(ctx, randomBytes(t, 64*1024)); !errors.Is(err, ErrCancelled) {
		t.Errorf("cancelled encrypt: got %v, want ErrCancelled", err)
	}
}

func TestFileDecryptionCancellation(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()

	container, err := files.EncryptContent(context.Background(), randomBytes(t, 64*1024))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err = files.DecryptContent(ctx, container); !errors.Is(err, ErrCancelled) {
		t.Errorf("cancelled decrypt: got %v, want ErrCancelled", err)
	}
}

func TestFileEncryptFailureRemovesOutput(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	dir := t.TempDir()

	inputPath := filepath.Join(dir, "input.bin")
	outputPath := filepath.Join(dir, "output.lbx")
	if err := os.WriteFile(inputPath, randomBytes(t, 32*1024), 0600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := files.EncryptFile(ctx, inputPath, outputPath); !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}

	if _, err := os.Stat(outputPath); !os.IsNotExist(err) {
		t.Error("partial output left behind after failed encryption")
	}
}

func TestFileDecryptFailureRemovesOutput(t *testing.T) {
	m := testFileManager(t, 4*1024)
	files := m.Files()
	ctx := context.Background()
	dir := t.TempDir()

	container, err := files.EncryptContent(ctx, randomBytes(t, 16*1024))
	if err != nil {
		t.Fatalf("EncryptContent failed: %v", err)
	}
	container[len(container)-1] ^= 0x01

	encryptedPath := filepath.Join(dir, "broken.lbx")
	outputPath := filepath.Join(dir, "restored.bin")
	if err = os.WriteFile(encryptedPath, container, 0600); err != nil {
		t.Fatalf("failed to write container: %v", err)
	}

	if err = files.DecryptFile(ctx, encryptedPath, outputPath); !errors.Is(err, ErrAuthenticationFailure) {
		t.Fatalf("got %v, want ErrAuthenticationFailure", err)
	}
	if _, err = os.Stat(outputPath); !os.IsNotExist(err) {
		t.Error("partial output left behind after failed decryption")
	}
}

func TestFileKeyedVariantsForMigration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := testKey(t)

	plain := randomBytes(t, 20*1024)
	inputPath := filepath.Join(dir, "in.bin")
	encryptedPath := filepath.Join(dir, "in.lbx")
	restoredPath := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(inputPath, plain, 0600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	if err := EncryptFileWithKey(ctx, key, inputPath, encryptedPath); err != nil {
		t.Fatalf("EncryptFileWithKey failed: %v", err)
	}
	if err := DecryptFileWithKey(ctx, key, encryptedPath, restoredPath); err != nil {
		t.Fatalf("DecryptFileWithKey failed: %v", err)
	}

	restored, err := os.ReadFile(restoredPath)
	if err != nil {
		t.Fatalf("failed to read restored file: %v", err)
	}
	if !bytes.Equal(restored, plain) {
		t.Error("restored file differs from original")
	}

	if err = DecryptFileWithKey(ctx, testKey(t), encryptedPath, restoredPath); !errors.Is(err, ErrAuthenticationFailure) {
		t.Errorf("wrong key: got %v, want ErrAuthenticationFailure", err)
	}
}
