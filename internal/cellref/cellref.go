// Package cellref provides the cell-naming and formula-reference-scanning
// rules used by the session package: a cell name is
// case-insensitive letters-then-digits; a formula is any contents string
// beginning with '='; its referenced cells are the maximal [A-Za-z]+[0-9]+
// tokens in the remainder, upper-cased.
package cellref

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IsFormula reports whether contents denotes a formula cell.
func IsFormula(contents string) bool {
	return len(contents) > 0 && contents[0] == '='
}

// refCache memoizes the referenced-cell scan keyed on the raw contents
// string: the same formula text is routinely resubmitted (undo/redo,
// retries) and the scan sits on the hot edit path. A miss falls back to
// scan. This is a pure optimization — eviction never changes which cells
// are considered referenced.
var refCache *lru.Cache[string, []string]

func init() {
	// [HOT_PATH] Pre-allocated cache sized for a single large document's
	// worth of distinct formula bodies; cache-aside, same shape as the
	// teacher's peer-enrichment cache.
	c, _ := lru.New[string, []string](4096)
	refCache = c
}

// References returns the set of upper-cased cell names referenced by
// contents, or nil if contents is not a formula. The result is cached.
func References(contents string) []string {
	if !IsFormula(contents) {
		return nil
	}
	if cached, ok := refCache.Get(contents); ok {
		return cached
	}
	refs := scan(contents[1:])
	refCache.Add(contents, refs)
	return refs
}

// scan tokenizes the maximal [A-Za-z]+[0-9]+ runs out of body, upper-cased,
// de-duplicated in first-seen order. Every byte index is bound-checked
// before the read: the original implementation's formula scanner read one
// byte past the end of the string when a letter run reached the end
// without trailing digits; that defect is not reproduced here.
func scan(body string) []string {
	var refs []string
	seen := make(map[string]struct{})
	n := len(body)
	i := 0
	for i < n {
		if !isLetter(body[i]) {
			i++
			continue
		}
		start := i
		for i < n && isLetter(body[i]) {
			i++
		}
		if i >= n || !isDigit(body[i]) {
			// Letter run not followed by a digit: not a cell reference.
			continue
		}
		digitsStart := i
		for i < n && isDigit(body[i]) {
			i++
		}
		token := strings.ToUpper(body[start:digitsStart]) + body[digitsStart:i]
		if _, ok := seen[token]; !ok {
			seen[token] = struct{}{}
			refs = append(refs, token)
		}
	}
	return refs
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// Normalize upper-cases a cell name for case-insensitive map keys.
func Normalize(name string) string {
	return strings.ToUpper(name)
}
