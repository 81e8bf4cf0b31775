package compiler

import (
	"encoding/base64"
	"regexp"
	"strings"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
)

const (
	friendlyAddressLen   = 48
	friendlyAddressBytes = 36

	flagBounceable    = 0x11
	flagNonBounceable = 0x51
	flagTestOnly      = 0x80
)

var rawAddressPattern = regexp.MustCompile(`^-?[0-9]+:[0-9a-fA-F]{64}$`)

// ValidateAddress accepts a TON address in user-friendly (base64 or
// base64url, checksummed) or raw workchain:hex form and returns it trimmed.
func ValidateAddress(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument, "Missing required fields", map[string]string{"field": field})
	}
	if rawAddressPattern.MatchString(value) || validFriendlyAddress(value) {
		return value, nil
	}
	return "", apperrors.WithMetadata(apperrors.CodeContractInvalidAddress, "Invalid "+field+" address", map[string]string{"field": field})
}

func validFriendlyAddress(value string) bool {
	if len(value) != friendlyAddressLen {
		return false
	}
	// base64url and standard base64 only differ in two characters.
	normalized := strings.NewReplacer("-", "+", "_", "/").Replace(value)
	decoded, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil || len(decoded) != friendlyAddressBytes {
		return false
	}
	switch decoded[0] &^ flagTestOnly {
	case flagBounceable, flagNonBounceable:
	default:
		return false
	}
	sum := crc16(decoded[:34])
	return decoded[34] == byte(sum>>8) && decoded[35] == byte(sum)
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
