// Package payload encodes the factory configuration record that is written
// to the factory partition of every Main Hub.
//
// Layout (little-endian, 156 bytes):
//
//	offset  size  field
//	0       4     magic "FCPF" (0x46504346)
//	4       2     version
//	6       2     flags
//	8       32    serial, NUL padded ASCII
//	40      64    password, NUL padded ASCII
//	104     48    reserved, zero
//	152     4     CRC-32 (IEEE) of bytes 0..151
//
// The CRC catches accidental corruption introduced by transport or by the
// encryption step. It does not protect against deliberate tampering.
package payload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	Magic        uint32 = 0x46504346
	Version      uint16 = 1
	DefaultFlags uint16 = 0x0001

	SerialFieldLen   = 32
	PasswordFieldLen = 64
	ReservedLen      = 48

	headerLen      = 8
	serialOffset   = headerLen
	passwordOffset = serialOffset + SerialFieldLen
	reservedOffset = passwordOffset + PasswordFieldLen
	crcOffset      = reservedOffset + ReservedLen

	// RecordSize is the encoded size including the trailing checksum.
	RecordSize = crcOffset + 4

	MaxSerialLen   = 28
	MinPasswordLen = 8
	MaxPasswordLen = 63
)

var (
	ErrPayloadTooShort  = errors.New("payload shorter than record size")
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
	ErrBadMagic         = errors.New("payload magic mismatch")
	ErrInvalidSerial    = errors.New("invalid serial")
	ErrInvalidPassword  = errors.New("invalid password")
)

// Record is a decoded factory configuration record.
type Record struct {
	Serial   string
	Password string
	Version  uint16
	Flags    uint16
}

// Encode builds the fixed-layout record for serial and password.
func Encode(serial, password string) ([]byte, error) {
	if err := validateSerialField(serial); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], DefaultFlags)
	copy(buf[serialOffset:serialOffset+SerialFieldLen], serial)
	copy(buf[passwordOffset:passwordOffset+PasswordFieldLen], password)

	binary.LittleEndian.PutUint32(buf[crcOffset:], crc32.ChecksumIEEE(buf[:crcOffset]))
	return buf, nil
}

// Decode parses a record from the start of buf. Trailing bytes, such as the
// 0xFF fill of a partition image, are ignored.
func Decode(buf []byte) (*Record, error) {
	if len(buf) < RecordSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrPayloadTooShort, len(buf), RecordSize)
	}

	want := binary.LittleEndian.Uint32(buf[crcOffset : crcOffset+4])
	got := crc32.ChecksumIEEE(buf[:crcOffset])
	if got != want {
		return nil, fmt.Errorf("%w: stored 0x%08X, computed 0x%08X", ErrChecksumMismatch, want, got)
	}

	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, magic)
	}

	return &Record{
		Version:  binary.LittleEndian.Uint16(buf[4:6]),
		Flags:    binary.LittleEndian.Uint16(buf[6:8]),
		Serial:   cString(buf[serialOffset : serialOffset+SerialFieldLen]),
		Password: cString(buf[passwordOffset : passwordOffset+PasswordFieldLen]),
	}, nil
}

// Verify decodes buf and checks that it carries exactly serial and password.
func Verify(buf []byte, serial, password string) error {
	rec, err := Decode(buf)
	if err != nil {
		return err
	}
	if rec.Serial != serial {
		return fmt.Errorf("serial round-trip mismatch: wrote %q, read %q", serial, rec.Serial)
	}
	if rec.Password != password {
		return fmt.Errorf("password round-trip mismatch (lengths %d/%d)", len(password), len(rec.Password))
	}
	return nil
}

func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		return string(field[:i])
	}
	return string(field)
}

func validateSerialField(serial string) error {
	if serial == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSerial)
	}
	if len(serial) > MaxSerialLen {
		return fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidSerial, len(serial), MaxSerialLen)
	}
	if !printableASCII(serial) {
		return fmt.Errorf("%w: must be printable ASCII", ErrInvalidSerial)
	}
	return nil
}

// ValidatePassword enforces the SoftAP password rules: 8 to 63 printable
// ASCII characters.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLen || len(password) > MaxPasswordLen {
		return fmt.Errorf("%w: length must be between %d and %d characters", ErrInvalidPassword, MinPasswordLen, MaxPasswordLen)
	}
	if !printableASCII(password) {
		return fmt.Errorf("%w: must contain printable ASCII characters only", ErrInvalidPassword)
	}
	return nil
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return false
		}
	}
	return true
}
