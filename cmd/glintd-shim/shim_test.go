package main

import (
	"bytes"
	"encoding/hex"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	json "github.com/goccy/go-json"

	"glintd/internal/ipc"
	"glintd/internal/logging"
)

func quietLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// startShim runs a shim on a temp socket and returns a connected
// client plus the backend directory.
func startShim(t *testing.T) (*ipc.Client, string, chan error) {
	t.Helper()

	dir := t.TempDir()
	socket := filepath.Join(dir, "shim.sock")
	backendDir := filepath.Join(dir, "pointer")

	s, err := newShim(shimOptions{
		SocketPath:  socket,
		Backend:     newFileBackend(backendDir),
		IdleTimeout: 0,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.run() }()

	require.Eventually(t, func() bool {
		return ipc.IsSocketListening(socket)
	}, 2*time.Second, 10*time.Millisecond)

	cfg := ipc.DefaultClientConfig(socket)
	cfg.AutoReconnect = false
	client := ipc.NewClient(cfg)
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Close() })

	return client, backendDir, done
}

func stopShim(t *testing.T, client *ipc.Client, done chan error) {
	t.Helper()
	require.NoError(t, client.ShimShutdown())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shim did not exit after shutdown request")
	}
}

// encodePNG produces a real w×h PNG with every pixel set to c.
func encodePNG(t *testing.T, w, h int, c uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = c
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func cursorRequest(data []byte, w, h int) *ipc.SetCursorRequest {
	sum := blake2b.Sum256(data)
	return &ipc.SetCursorRequest{
		PNG:      data,
		Checksum: hex.EncodeToString(sum[:]),
		HotSpotX: 3,
		HotSpotY: 4,
		Width:    w,
		Height:   h,
		Scale:    1.5,
	}
}

func TestVersionExchange(t *testing.T) {
	client, _, done := startShim(t)

	resp, err := client.ShimVersion("1.2.0")
	require.NoError(t, err)
	assert.Equal(t, version, resp.Version)
	assert.Equal(t, uint8(ipc.ProtocolVersion), resp.ProtocolVersion)
	assert.Equal(t, "file", resp.Backend)

	stopShim(t, client, done)
}

func TestSetCursorPublishesFiles(t *testing.T) {
	client, backendDir, done := startShim(t)

	data := encodePNG(t, 24, 24, 0x80)
	resp, err := client.SetCursor(cursorRequest(data, 24, 24))
	require.NoError(t, err)
	require.True(t, resp.Success)

	got, err := os.ReadFile(filepath.Join(backendDir, "cursor.png"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta, err := os.ReadFile(filepath.Join(backendDir, "hotspot.json"))
	require.NoError(t, err)
	var hs hotspotFile
	require.NoError(t, json.Unmarshal(meta, &hs))
	assert.Equal(t, 3, hs.X)
	assert.Equal(t, 4, hs.Y)
	assert.Equal(t, 24, hs.Width)
	assert.Equal(t, 1.5, hs.Scale)

	stopShim(t, client, done)
}

func TestSetCursorRejectsBadChecksum(t *testing.T) {
	client, backendDir, done := startShim(t)

	req := cursorRequest(encodePNG(t, 8, 8, 0x10), 8, 8)
	req.Checksum = flipHexByte(req.Checksum)
	_, err := client.SetCursor(req)
	require.Error(t, err)

	var respErr *ipc.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, ipc.ErrChecksumMismatch, respErr.Code)

	_, statErr := os.Stat(filepath.Join(backendDir, "cursor.png"))
	assert.True(t, os.IsNotExist(statErr), "rejected frame must not be applied")

	stopShim(t, client, done)
}

func TestRestoreRemovesFiles(t *testing.T) {
	client, backendDir, done := startShim(t)

	resp, err := client.SetCursor(cursorRequest(encodePNG(t, 8, 8, 0x10), 8, 8))
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.NoError(t, client.RestoreCursor())

	_, err = os.Stat(filepath.Join(backendDir, "cursor.png"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(backendDir, "hotspot.json"))
	assert.True(t, os.IsNotExist(err))

	stopShim(t, client, done)
}

// flipHexByte corrupts the first checksum byte while keeping the
// string well-formed hex.
func flipHexByte(s string) string {
	if strings.HasPrefix(s, "00") {
		return "ff" + s[2:]
	}
	return "00" + s[2:]
}

func TestSetCursorRejectsNonPNG(t *testing.T) {
	client, backendDir, done := startShim(t)

	data := []byte("plainly not a png")
	sum := blake2b.Sum256(data)
	_, err := client.SetCursor(&ipc.SetCursorRequest{
		PNG:      data,
		Checksum: hex.EncodeToString(sum[:]),
		Width:    8,
		Height:   8,
		Scale:    1,
	})
	require.Error(t, err)

	var respErr *ipc.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, ipc.ErrInvalidRequest, respErr.Code)

	_, statErr := os.Stat(filepath.Join(backendDir, "cursor.png"))
	assert.True(t, os.IsNotExist(statErr))

	stopShim(t, client, done)
}

func TestSetCursorRejectsDimensionMismatch(t *testing.T) {
	client, _, done := startShim(t)

	req := cursorRequest(encodePNG(t, 8, 8, 0x10), 16, 16)
	_, err := client.SetCursor(req)
	require.Error(t, err)

	var respErr *ipc.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, ipc.ErrInvalidRequest, respErr.Code)

	stopShim(t, client, done)
}

func TestRestoreWithoutApplyIsClean(t *testing.T) {
	client, _, done := startShim(t)
	require.NoError(t, client.RestoreCursor())
	stopShim(t, client, done)
}

func TestFileBackendApplyIsAtomic(t *testing.T) {
	dir := t.TempDir()
	b := newFileBackend(dir)

	first := encodePNG(t, 8, 8, 0x10)
	second := encodePNG(t, 8, 8, 0xF0)
	require.NoError(t, b.Apply(cursorRequest(first, 8, 8)))
	require.NoError(t, b.Apply(cursorRequest(second, 8, 8)))

	got, err := os.ReadFile(filepath.Join(dir, "cursor.png"))
	require.NoError(t, err)
	assert.Equal(t, second, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "no temp files may linger")
	}
}
