package manifest

import (
	"bufio"
	"bytes"
	"strings"
)

var constraintOps = []string{"==", ">=", "<=", "~=", "!="}

// ParseConstraint parses one pip requirement line. Environment markers
// (everything after ';') and inline comments are dropped. Returns false
// for lines that carry no requirement (blank, comments, -r includes,
// bare options).
func ParseConstraint(line string) (Constraint, bool) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" || strings.HasPrefix(line, "-") {
		return Constraint{}, false
	}

	for _, op := range constraintOps {
		if i := strings.Index(line, op); i > 0 {
			return Constraint{
				Package: strings.TrimSpace(line[:i]),
				Op:      op,
				Version: strings.TrimSpace(line[i+len(op):]),
			}, true
		}
	}
	return Constraint{Package: line}, true
}

// ParseRequirements parses a requirements.txt body into constraints.
func ParseRequirements(data []byte) []Constraint {
	var out []Constraint
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if c, ok := ParseConstraint(scanner.Text()); ok {
			out = append(out, c)
		}
	}
	return out
}
