package tracesearch

import (
	"fmt"
	"strings"

	"github.com/go-delve/dlvtrace/pkg/tracedump"
)

// ErrBadPattern is returned for malformed search patterns.
var ErrBadPattern = tracedump.ErrBadPattern

// ParsePattern converts a hex pattern such as "48 8b ?5 ??" to the bytes
// and masks FindAllMem expects. Whitespace is ignored, a '?' matches any
// nibble.
func ParsePattern(s string) (data, mask []byte, err error) {
	digits := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	if digits == "" || len(digits)%2 != 0 {
		return nil, nil, fmt.Errorf("%w: %q must have two digits per byte", ErrBadPattern, s)
	}
	data = make([]byte, len(digits)/2)
	mask = make([]byte, len(digits)/2)
	for i := 0; i < len(digits); i++ {
		v, m, ok := nibble(digits[i])
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q is not a hex digit", ErrBadPattern, digits[i])
		}
		if i%2 == 0 {
			v <<= 4
			m <<= 4
		}
		data[i/2] |= v
		mask[i/2] |= m
	}
	return data, mask, nil
}

func nibble(c byte) (v, m byte, ok bool) {
	switch {
	case c == '?':
		return 0, 0, true
	case c >= '0' && c <= '9':
		return c - '0', 0xf, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, 0xf, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, 0xf, true
	}
	return 0, 0, false
}
