package recipient

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags the destination channel resolved for a raw recipient string.
type Kind string

const (
	KindWallet  Kind = "WALLET"
	KindEmail   Kind = "EMAIL"
	KindPhone   Kind = "PHONE"
	KindUnknown Kind = "UNKNOWN"
)

// Recipient is the classification result. Normalized carries the canonical
// form the rest of the pipeline should use: an EIP-55 checksummed address,
// a lowercased email, or an E.164 phone number.
type Recipient struct {
	Kind        Kind
	Raw         string
	Normalized  string
	Explanation string
}

// Valid reports whether the recipient resolved to a routable channel.
func (r Recipient) Valid() bool { return r.Kind != KindUnknown }

// Classify detects the channel for a raw recipient string. Rules apply in
// order and the first match wins: 0x-prefixed 20-byte hex address, then email,
// then phone. Classification is pure; it never touches state.
func Classify(raw string) Recipient {
	trimmed := strings.TrimSpace(raw)
	if isWalletAddress(trimmed) {
		return Recipient{
			Kind:        KindWallet,
			Raw:         raw,
			Normalized:  common.HexToAddress(trimmed).Hex(),
			Explanation: "20-byte hex wallet address",
		}
	}
	if email, ok := normalizeEmail(trimmed); ok {
		return Recipient{
			Kind:        KindEmail,
			Raw:         raw,
			Normalized:  email,
			Explanation: "email address, payment will be held until claimed",
		}
	}
	if phone, ok := normalizePhone(trimmed); ok {
		return Recipient{
			Kind:        KindPhone,
			Raw:         raw,
			Normalized:  phone,
			Explanation: "phone number, payment will be held until claimed",
		}
	}
	return Recipient{
		Kind:        KindUnknown,
		Raw:         raw,
		Explanation: "not a wallet address, email, or phone number",
	}
}

func isWalletAddress(s string) bool {
	if len(s) != 42 || (!strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X")) {
		return false
	}
	return common.IsHexAddress(s)
}

func normalizeEmail(s string) (string, bool) {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') {
		return "", false
	}
	local, domain := s[:at], s[at+1:]
	if local == "" || domain == "" {
		return "", false
	}
	if strings.ContainsAny(local, " \t") || strings.ContainsAny(domain, " \t") {
		return "", false
	}
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", false
	}
	return strings.ToLower(s), true
}

// normalizePhone strips formatting characters, applies the defaulting rules
// (bare 10 digits assume country code 1, 11 digits with a leading 1 gain a
// plus) and validates the E.164 shape.
func normalizePhone(s string) (string, bool) {
	hadPlus := strings.HasPrefix(s, "+")
	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting noise
		default:
			return "", false
		}
	}
	d := digits.String()
	if d == "" {
		return "", false
	}
	var candidate string
	switch {
	case hadPlus:
		candidate = "+" + d
	case len(d) == 10:
		candidate = "+1" + d
	case len(d) == 11 && d[0] == '1':
		candidate = "+" + d
	default:
		candidate = "+" + d
	}
	return candidate, isE164(candidate)
}

func isE164(s string) bool {
	if !strings.HasPrefix(s, "+") {
		return false
	}
	body := s[1:]
	if len(body) < 2 || len(body) > 15 {
		return false
	}
	if body[0] < '1' || body[0] > '9' {
		return false
	}
	for i := 0; i < len(body); i++ {
		if body[i] < '0' || body[i] > '9' {
			return false
		}
	}
	return true
}
