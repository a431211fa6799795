package internal

// lower returns the ASCII lowercase version of b.
func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}

	return b
}

// EqualFold is strings.EqualFold, ASCII only. It reports whether s and t
// are equal, ASCII-case-insensitively.
func EqualFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}

	for i := 0; i < len(s); i++ {
		if lower(s[i]) != lower(t[i]) {
			return false
		}
	}

	return true
}

// ToLower returns s with every ASCII upper case letter mapped to lower
// case. It does not allocate when s is already lower case.
func ToLower(s string) string {
	for i := 0; i < len(s); i++ {
		if 'A' <= s[i] && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				b[j] = lower(b[j])
			}

			return string(b)
		}
	}

	return s
}

// IndexFold returns the index of the first ASCII-case-insensitive
// occurrence of substr in s, or -1.
func IndexFold(s, substr string) int {
	n := len(substr)
	if n == 0 {
		return 0
	}

	for i := 0; i+n <= len(s); i++ {
		if lower(s[i]) == lower(substr[0]) && EqualFold(s[i:i+n], substr) {
			return i
		}
	}

	return -1
}

// HasUpper reports whether s contains an ASCII upper case letter.
func HasUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if 'A' <= s[i] && s[i] <= 'Z' {
			return true
		}
	}

	return false
}

// HasToken reports whether token appears with v, ASCII
// case-insensitive, with space or comma boundaries.
// token must be all lowercase.
// v may contain mixed cased.
func HasToken(v, token string) bool {
	if len(token) > len(v) || token == "" {
		return false
	}

	if v == token {
		return true
	}

	for sp := 0; sp <= len(v)-len(token); sp++ {
		// The token is ASCII, so checking only a single byte is
		// sufficient. False positives ('^' => '~') are caught by EqualFold.
		if b := v[sp]; b != token[0] && b|0x20 != token[0] {
			continue
		}

		if sp > 0 && !isTokenBoundary(v[sp-1]) {
			continue
		}

		if endPos := sp + len(token); endPos != len(v) && !isTokenBoundary(v[endPos]) {
			continue
		}

		if EqualFold(v[sp:sp+len(token)], token) {
			return true
		}
	}

	return false
}

func isTokenBoundary(b byte) bool {
	return b == ' ' || b == ',' || b == '\t'
}
