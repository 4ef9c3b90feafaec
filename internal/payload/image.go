package payload

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPartitionSize is the size of the factory partition at 0x3F0000.
const DefaultPartitionSize = 0x10000

// Image pads an encoded record with 0xFF (erased flash) to partitionSize.
func Image(record []byte, partitionSize int) ([]byte, error) {
	if partitionSize <= 0 {
		return nil, fmt.Errorf("partition size must be positive, got %d", partitionSize)
	}
	if len(record) > partitionSize {
		return nil, fmt.Errorf("payload (%d bytes) does not fit in partition (%d bytes)", len(record), partitionSize)
	}
	img := make([]byte, partitionSize)
	for i := range img {
		img[i] = 0xFF
	}
	copy(img, record)
	return img, nil
}

// WriteImage encodes serial and password, pads the record to partitionSize
// and writes it to path. The written file is read back and verified.
func WriteImage(path, serial, password string, partitionSize int) error {
	record, err := Encode(serial, password)
	if err != nil {
		return err
	}
	img, err := Image(record, partitionSize)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating payload directory: %w", err)
		}
	}
	if err := os.WriteFile(path, img, 0o600); err != nil {
		return fmt.Errorf("writing payload image: %w", err)
	}

	written, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading back payload image: %w", err)
	}
	if len(written) != partitionSize {
		return fmt.Errorf("payload image is %d bytes on disk, expected %d", len(written), partitionSize)
	}
	return Verify(written, serial, password)
}
