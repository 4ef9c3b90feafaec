package payload

import (
	"fmt"
	"strings"
)

// Unit identifier ranges used by the production line.
const (
	IdentifierPrefix = "CC"
	UnitMin          = 1
	UnitMax          = 100
	YearMin          = 0
	YearMax          = 99
	MonthMin         = 1
	MonthMax         = 12
)

// SanitizeSerial keeps alphanumerics, '_' and '-', truncates to
// MaxSerialLen and rejects an empty result.
func SanitizeSerial(value string) (string, error) {
	var b strings.Builder
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > MaxSerialLen {
		s = s[:MaxSerialLen]
	}
	if s == "" {
		return "", fmt.Errorf("%w: must contain at least one alphanumeric, '_' or '-' character", ErrInvalidSerial)
	}
	return s, nil
}

// FormatIdentifier builds the unit serial CC<batch>-<yy><mm><unit>, which is
// also the unit's SoftAP SSID.
func FormatIdentifier(batch, year, month, unit int) (string, error) {
	if batch <= 0 {
		return "", fmt.Errorf("%w: batch number must be positive", ErrInvalidSerial)
	}
	if year < YearMin || year > YearMax {
		return "", fmt.Errorf("%w: year must be between %02d and %02d", ErrInvalidSerial, YearMin, YearMax)
	}
	if month < MonthMin || month > MonthMax {
		return "", fmt.Errorf("%w: month must be between %02d and %02d", ErrInvalidSerial, MonthMin, MonthMax)
	}
	if unit < UnitMin || unit > UnitMax {
		return "", fmt.Errorf("%w: unit must be between %d and %d", ErrInvalidSerial, UnitMin, UnitMax)
	}
	return fmt.Sprintf("%s%02d-%02d%02d%04d", IdentifierPrefix, batch, year, month, unit), nil
}
