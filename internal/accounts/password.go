package accounts

import (
	"crypto/rand"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/bcef-innovation/identity-core/internal/shared"
)

const (
	lettersClass = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitsClass  = "0123456789"
	symbolsClass = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

	// TemporaryPasswordLength is the generated password length.
	TemporaryPasswordLength = 12
)

// GenerateTemporaryPassword returns a random password of length characters
// containing at least one letter, one digit and one symbol.
func GenerateTemporaryPassword(length int) (string, error) {
	if length < 3 {
		return "", fmt.Errorf("accounts: temporary password length %d too short", length)
	}
	alphabet := lettersClass + digitsClass + symbolsClass
	buf := make([]byte, length)
	for {
		for i := range buf {
			c, err := pick(alphabet)
			if err != nil {
				return "", err
			}
			buf[i] = c
		}
		pw := string(buf)
		if strings.ContainsAny(pw, lettersClass) && strings.ContainsAny(pw, digitsClass) && strings.ContainsAny(pw, symbolsClass) {
			return pw, nil
		}
	}
}

func pick(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("accounts: random source: %w", err)
	}
	return alphabet[n.Int64()], nil
}

//go:embed common_passwords.txt
var commonPasswordList string

// Policy holds the password strength rules.
type Policy struct {
	MinLength int
	// MaxLength is bounded by bcrypt's 72 byte input limit.
	MaxLength       int
	MaxSimilarity   float64
	commonPasswords map[string]struct{}
}

// DefaultPolicy returns the standard rules.
func DefaultPolicy() Policy {
	common := make(map[string]struct{})
	for _, line := range strings.Split(commonPasswordList, "\n") {
		line = strings.TrimSpace(strings.ToLower(line))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		common[line] = struct{}{}
	}
	return Policy{MinLength: 8, MaxLength: 72, MaxSimilarity: 0.7, commonPasswords: common}
}

// Check validates candidate against the policy. attributes are identity
// values such as email and names the password must not resemble.
func (p Policy) Check(candidate string, attributes ...string) error {
	var reasons []string
	if len(candidate) < p.MinLength {
		reasons = append(reasons, fmt.Sprintf("must contain at least %d characters", p.MinLength))
	}
	if p.MaxLength > 0 && len(candidate) > p.MaxLength {
		reasons = append(reasons, fmt.Sprintf("must contain at most %d bytes", p.MaxLength))
	}
	if _, ok := p.commonPasswords[strings.ToLower(candidate)]; ok {
		reasons = append(reasons, "is too common")
	}
	if candidate != "" && strings.IndexFunc(candidate, func(r rune) bool { return !unicode.IsDigit(r) }) == -1 {
		reasons = append(reasons, "must not be entirely numeric")
	}
	if attr, ok := p.similarTo(candidate, attributes); ok {
		reasons = append(reasons, fmt.Sprintf("is too similar to the %s", attr))
	}
	if len(reasons) > 0 {
		return &shared.PolicyError{Reasons: reasons}
	}
	return nil
}

func (p Policy) similarTo(candidate string, attributes []string) (string, bool) {
	pw := strings.ToLower(candidate)
	for i, attr := range attributes {
		attr = strings.ToLower(strings.TrimSpace(attr))
		if attr == "" {
			continue
		}
		label := "account details"
		if i == 0 {
			label = "email address"
		}
		parts := []string{attr}
		if local, _, ok := strings.Cut(attr, "@"); ok {
			parts = append(parts, local)
		}
		for _, part := range parts {
			if len(part) < 3 {
				continue
			}
			if (len(part) >= 4 && strings.Contains(pw, part)) || similarity(pw, part) >= p.MaxSimilarity {
				return label, true
			}
		}
	}
	return "", false
}

// similarity is the longest-common-substring ratio 2*M/(len(a)+len(b)).
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	longest := 0
	prev := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		cur := make([]int, len(b)+1)
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > longest {
					longest = cur[j]
				}
			}
		}
		prev = cur
	}
	return 2 * float64(longest) / float64(len(a)+len(b))
}

// Hasher hashes and verifies passwords.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

// BcryptHasher implements Hasher using bcrypt.
type BcryptHasher struct {
	Cost int
}

// Hash implements Hasher.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", &shared.PolicyError{Reasons: []string{"must contain at most 72 bytes"}}
		}
		return "", fmt.Errorf("accounts: hash password: %w", err)
	}
	return string(hash), nil
}

// Compare implements Hasher.
func (h BcryptHasher) Compare(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
