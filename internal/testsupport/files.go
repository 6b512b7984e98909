package testsupport

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

var fixtureSeq atomic.Int64

// WriteVideo writes a placeholder video of size bytes at path and returns the
// path. Every call gets a distinct header, so two fixtures never share a
// content hash unless the test copies one onto the other.
func WriteVideo(t testing.TB, path string, size int) string {
	t.Helper()
	header := fmt.Sprintf("vidpress fixture %d %s\n", fixtureSeq.Add(1), filepath.Base(path))
	data := []byte(header)
	if pad := size - len(data); pad > 0 {
		data = append(data, bytes.Repeat([]byte{0x42}, pad)...)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
