package efuse

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CryptCountField is the efuse counting how many times flash encryption
// has been toggled. Odd means enabled; any non-zero value means the key
// and config fuses have already been committed.
const CryptCountField = "FLASH_CRYPT_CNT"

// ErrFieldNotFound is returned when the summary does not list FLASH_CRYPT_CNT.
var ErrFieldNotFound = errors.New(CryptCountField + " not found in efuse summary")

// State is the device's flash encryption state as read from its efuses.
type State struct {
	CryptCount uint64
}

// Enabled reports whether encryption has ever been configured. The
// transition is one-way.
func (s State) Enabled() bool { return s.CryptCount != 0 }

func (s State) String() string {
	if s.Enabled() {
		return fmt.Sprintf("enabled (%s=%d)", CryptCountField, s.CryptCount)
	}
	return "not configured (" + CryptCountField + "=0)"
}

// ParseCryptCount extracts FLASH_CRYPT_CNT from espefuse summary output.
// Lines look like:
//
//	FLASH_CRYPT_CNT (BLOCK0)   Flash encryption mode counter  = 0 R/W (0b0000000)
//
// The value may be decimal, hex (0x..) or binary (0b..).
func ParseCryptCount(summary string) (uint64, error) {
	sc := bufio.NewScanner(strings.NewReader(summary))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, CryptCountField) {
			continue
		}
		_, rest, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, fmt.Errorf("%s has no value: %q", CryptCountField, line)
		}
		v, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %s value %q: %w", CryptCountField, fields[0], err)
		}
		return v, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, ErrFieldNotFound
}
