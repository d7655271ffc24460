package refnum

import (
	"crypto/rand"
	"strings"
)

// Generator produces reference numbers used both as human-readable order
// identifiers and as idempotency keys for the payout provider.
type Generator interface {
	Generate() string
}

// RandomGenerator emits tokens shaped 0000-0000-000000, digits only, without
// consulting the store. Uniqueness is probabilistic; the orders table's
// unique constraint on reference_number catches the rare collision at insert
// time. Digits come from crypto/rand so an observer of prior reference
// numbers cannot predict the next one.
type RandomGenerator struct{}

func NewRandomGenerator() *RandomGenerator {
	return &RandomGenerator{}
}

var groupLengths = []int{4, 4, 6}

func (g *RandomGenerator) Generate() string {
	groups := make([]string, 0, len(groupLengths))
	for _, n := range groupLengths {
		groups = append(groups, randomDigits(n))
	}
	return strings.Join(groups, "-")
}

func randomDigits(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform's entropy source is broken;
		// there is nothing sensible to degrade to for an idempotency key.
		panic("refnum: reading random source: " + err.Error())
	}
	digits := make([]byte, n)
	for i, b := range buf {
		digits[i] = '0' + b%10
	}
	return string(digits)
}
