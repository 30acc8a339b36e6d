package services

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	pickupPrefixLength = 4
	pickupDigitCount   = 6
)

// GeneratePickupCode derives the code customers present at the counter. The
// first four characters are a stable uppercase hex prefix derived from the
// attendance token, followed by six random digits read from rand.
func GeneratePickupCode(attendanceToken string, rand io.Reader) (string, error) {
	token := strings.TrimSpace(attendanceToken)
	if token == "" {
		return "", fmt.Errorf("%w: attendance token is required", ErrOrderInvalidInput)
	}
	if rand == nil {
		return "", errors.New("pickup code: random source is required")
	}

	sum := sha256.Sum256([]byte(token))
	prefix := strings.ToUpper(fmt.Sprintf("%x", sum[:2]))[:pickupPrefixLength]

	buf := make([]byte, pickupDigitCount)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return "", fmt.Errorf("pickup code: read random digits: %w", err)
	}

	digits := make([]byte, pickupDigitCount)
	for i, b := range buf {
		digits[i] = '0' + b%10
	}

	return prefix + string(digits), nil
}
