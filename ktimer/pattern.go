package ktimer

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"rsc.io/binaryregexp"
)

// Pattern is a compiled byte signature. Signatures are written yara-style,
// like:
//
//	{ 48 B9 00 00 00 00 80 F7 FF FF 4C 8D 1D }
//
// and compiled down to a binaryregexp plus the longest literal run, which is
// used as a cheap memscan needle before the regex confirms the match. The
// pattern notation is kept because raw escaped regexes are unreadable in the
// per-version signature tables.
type Pattern struct {
	size         int
	rawre        string
	re           *binaryregexp.Regexp
	needle       []byte // longest fixed byte run of the pattern
	needleOffset int    // offset of the needle within the pattern
}

func isHexRune(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// ParsePattern compiles a yara-style signature. Supported elements are
// literal byte pairs (AB), full wildcards (??) and masked low nibbles (A?).
// Matching is exact byte-for-byte, including zero bytes.
func ParsePattern(pattern string) (*Pattern, error) {
	if !strings.HasPrefix(pattern, "{") {
		return nil, errors.New("missing prefix")
	}
	if !strings.HasSuffix(pattern, "}") {
		return nil, errors.New("missing suffix")
	}

	pattern = strings.Trim(pattern, "{}")
	pattern = strings.ReplaceAll(pattern, " ", "")
	pattern = strings.ToLower(pattern)
	if len(pattern)%2 != 0 {
		return nil, errors.New("odd pattern length")
	}

	size := 0
	needle := make([]byte, 0)
	needleOffset := 0
	run := make([]byte, 0)
	runOffset := 0

	endRun := func() {
		if len(run) > len(needle) {
			needle = slices.Clone(run)
			needleOffset = runOffset
		}
		run = run[:0]
	}

	// (?s) so that a wildcard matches 0x0A too
	regex := "(?s)"
	for i := 0; i < len(pattern); i += 2 {
		c := pattern[i]
		d := pattern[i+1]

		switch {
		case c == '?' && d == '?':
			regex += "."
			endRun()
		case c == '?':
			return nil, errors.New("cannot mask the first nibble")
		case d == '?':
			if !isHexRune(c) {
				return nil, errors.New("not hex digit")
			}
			hi := strings.ToUpper(string(c))
			regex += `[\x` + hi + `0-\x` + hi + `F]`
			endRun()
		case isHexRune(c) && isHexRune(d):
			regex += `\x` + strings.ToUpper(pattern[i:i+2])
			b, err := strconv.ParseUint(pattern[i:i+2], 16, 8)
			if err != nil {
				return nil, errors.New("not hex digit")
			}
			if len(run) == 0 {
				runOffset = size
			}
			run = append(run, byte(b))
		default:
			return nil, errors.New("unexpected value")
		}
		size++
	}
	endRun()

	re, err := binaryregexp.Compile(regex)
	if err != nil {
		return nil, err
	}
	return &Pattern{size: size, rawre: regex, re: re, needle: needle, needleOffset: needleOffset}, nil
}

// MustPattern is ParsePattern for the package's static signature tables.
func MustPattern(pattern string) *Pattern {
	p, err := ParsePattern(pattern)
	if err != nil {
		panic("ktimer: bad signature " + pattern + ": " + err.Error())
	}
	return p
}

// Size is the pattern length in bytes.
func (p *Pattern) Size() int {
	return p.size
}

// Find returns the offset of the first occurrence of the pattern in window,
// or -1. Windows are small (function prologues), so the needle prefilter plus
// an anchored regex check per candidate is plenty.
func (p *Pattern) Find(window []byte) int {
	if p.size == 0 || p.size > len(window) {
		return -1
	}

	if len(p.needle) == 0 {
		if loc := p.re.FindIndex(window); loc != nil && loc[0]+p.size <= len(window) {
			return loc[0]
		}
		return -1
	}

	// Every full match puts the needle at matchStart+needleOffset, so walking
	// needle hits in order yields pattern matches in order.
	for start := 0; start+len(p.needle) <= len(window); {
		idx := bytes.Index(window[start:], p.needle)
		if idx == -1 {
			return -1
		}
		needleAt := start + idx
		matchStart := needleAt - p.needleOffset
		if matchStart >= 0 && matchStart+p.size <= len(window) {
			if loc := p.re.FindIndex(window[matchStart : matchStart+p.size]); loc != nil && loc[0] == 0 {
				return matchStart
			}
		}
		start = needleAt + 1
	}
	return -1
}
