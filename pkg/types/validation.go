package types

// Validation limits for client-supplied identifiers.
const (
	maxSessionIDLength = 64
	maxUsernameLength  = 50
	maxBoardPathLength = 200
)

// IsValidSessionID accepts 1-64 characters of alphanumerics plus
// underscore and hyphen. Session ids are client-generated slugs shared in
// invite links, so the alphabet is kept URL-safe.
func IsValidSessionID(id string) bool {
	if len(id) == 0 || len(id) > maxSessionIDLength {
		return false
	}
	for _, r := range id {
		if !isIdentifierRune(r) {
			return false
		}
	}
	return true
}

// IsValidUsername accepts 1-50 non-empty characters.
func IsValidUsername(name string) bool {
	return len(name) > 0 && len(name) <= maxUsernameLength
}

// IsValidBoardPath accepts the board/layout/size/set/angle path segment
// used to address a board configuration, e.g. "kilter/8/25/12x12/40".
func IsValidBoardPath(path string) bool {
	if len(path) == 0 || len(path) > maxBoardPathLength {
		return false
	}
	for _, r := range path {
		if !isIdentifierRune(r) && r != '/' && r != ',' {
			return false
		}
	}
	return true
}

func isIdentifierRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}
