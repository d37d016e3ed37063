package coordinator

import "strings"

// splitFirstSpace splits line on its first space, returning ("", "") for
// an empty line. The second result is the verbatim remainder, so a
// trailing field (cell contents, a spreadsheet name) may itself contain
// spaces.
func splitFirstSpace(line string) (string, string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}
