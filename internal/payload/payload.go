// Package payload materializes the embedded loader image at first boot.
//
// The image is linked into the binary as a zstd stream; the checked-in
// loader.bin.zst is an empty placeholder frame the build replaces with the
// native loader output.
package payload

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"
)

//go:embed loader.bin.zst
var loaderImage []byte

// Extract decompresses the embedded loader image to path.
func Extract(path string, mode fs.FileMode) error {
	return extract(path, mode, loaderImage)
}

func extract(path string, mode fs.FileMode, src []byte) error {
	dec, err := zstd.NewReader(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("payload: open stream: %w", err)
	}
	defer dec.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("payload: create %s: %w", path, err)
	}
	if _, err := io.Copy(f, dec); err != nil {
		_ = f.Close()
		return fmt.Errorf("payload: extract to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("payload: close %s: %w", path, err)
	}
	return nil
}
