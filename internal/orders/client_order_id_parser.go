package orders

import (
	"strings"

	"gridbot/internal/strategy"
)

// ParsedOrderId contains the components of a client order id built by ClientOrderID
type ParsedOrderId struct {
	Prefix    string
	Side      strategy.Side
	Role      Role
	KeyPrefix string // first 12 hex chars of the leg key, empty for fallback ids
	Raw       string
}

// ParseClientOrderId parses an id carrying prefix. Returns nil for ids this
// instance did not create (manual orders, other bots, other prefixes).
func ParseClientOrderId(prefix, id string) *ParsedOrderId {
	if prefix == "" || !strings.HasPrefix(id, prefix) {
		return nil
	}
	rest := id[len(prefix):]

	// fallback: prefix + X + uuid hex
	if len(rest) > 0 && rest[0] == 'X' {
		return &ParsedOrderId{Prefix: prefix, Role: RoleExit, Raw: id}
	}
	if len(rest) != 2+keyIDChars {
		return nil
	}

	var side strategy.Side
	switch rest[0] {
	case 'L':
		side = strategy.SideLong
	case 'S':
		side = strategy.SideShort
	default:
		return nil
	}
	role, ok := RoleFromChar(rest[1])
	if !ok {
		return nil
	}
	key := rest[2:]
	if !isHex(key) {
		return nil
	}
	return &ParsedOrderId{Prefix: prefix, Side: side, Role: role, KeyPrefix: key, Raw: id}
}

// IsOwnOrder reports whether id was created with prefix
func IsOwnOrder(prefix, id string) bool {
	return ParseClientOrderId(prefix, id) != nil
}

// IsFallbackID reports whether the id is a keyless exit/flatten id
func IsFallbackID(prefix, id string) bool {
	p := ParseClientOrderId(prefix, id)
	return p != nil && p.KeyPrefix == ""
}

// MatchesKey reports whether id carries the given leg key
func MatchesKey(id, key string) bool {
	if len(key) > keyIDChars {
		key = key[:keyIDChars]
	}
	return key != "" && strings.HasSuffix(id, key)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
