package orders

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const (
	orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderNumberSuffix   = 6
)

var orderNumberRe = regexp.MustCompile(`^ORD-\d{4}-[A-Z0-9]{6}$`)

// NewOrderNumber returns ORD-<year>-<6 uppercase alphanumerics>.
// Uniqueness is enforced by the orders_order_number_key constraint, not here.
func NewOrderNumber(now time.Time) (string, error) {
	suffix := make([]byte, 0, orderNumberSuffix)
	buf := make([]byte, 16)
	for len(suffix) < orderNumberSuffix {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("order number: %w", err)
		}
		for _, b := range buf {
			// 252 = 36*7, drop the tail to keep the distribution uniform
			if b >= 252 {
				continue
			}
			suffix = append(suffix, orderNumberAlphabet[int(b)%len(orderNumberAlphabet)])
			if len(suffix) == orderNumberSuffix {
				break
			}
		}
	}
	return fmt.Sprintf("ORD-%04d-%s", now.Year(), suffix), nil
}

func ValidOrderNumber(s string) bool {
	return orderNumberRe.MatchString(s)
}
