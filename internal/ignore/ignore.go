// Package ignore evaluates per-project SCM ignore rules (spec §4.1).
// A path is ignored iff it matches some exclude pattern AND no include
// override. Override ("!"-prefixed) lines are always evaluated first,
// regardless of the order they appear in the ignore file, so that an
// override wins even when the user wrote the exclude after it.
package ignore

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

// Always-on excludes, independent of any SCM ignore file (spec §4.1).
var alwaysExcluded = []string{
	`.*\.git/.*\.lock`,
	`.*\.baboon-timestamp`,
	`.*baboon.*`,
}

// RuleSet holds the compiled include-override and exclude patterns for
// one project. Zero value is not usable; construct with New or Build.
type RuleSet struct {
	overrides []*regexp.Regexp
	excludes  []*regexp.Regexp
}

// New returns an empty RuleSet that only applies the always-on excludes.
func New() *RuleSet {
	rs := &RuleSet{}
	for _, p := range alwaysExcluded {
		rs.excludes = append(rs.excludes, regexp.MustCompile("^"+p+"$"))
	}
	return rs
}

// Build compiles a RuleSet from the raw lines of an SCM ignore file.
// Blank lines and lines starting with "#" are comments. A line starting
// with "!" is an include override. Override lines are sorted to the
// front before compilation so they are evaluated first, matching
// spec §4.1's override-first semantics.
func Build(lines []string) *RuleSet {
	rs := New()

	var overrideLines, excludeLines []string
	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "!") {
			overrideLines = append(overrideLines, strings.TrimPrefix(line, "!"))
		} else {
			excludeLines = append(excludeLines, line)
		}
	}

	for _, l := range overrideLines {
		rs.overrides = append(rs.overrides, compileGlobLine(l, false))
	}
	for _, l := range excludeLines {
		rs.excludes = append(rs.excludes, compileGlobLine(l, true))
	}

	return rs
}

// BuildFromFile reads an SCM ignore file (e.g. .gitignore) and compiles
// its rules. A missing file yields a RuleSet with only the always-on
// excludes — not an error, since not every project has one yet.
func BuildFromFile(path string) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return Build(lines), nil
}

// IsIgnored reports whether relPath (project-relative, forward-slashed)
// is ignored: it matches some exclude and no override matches.
// Idempotent: repeated calls against an unchanged RuleSet always agree.
func (rs *RuleSet) IsIgnored(relPath string) bool {
	for _, ov := range rs.overrides {
		if ov.MatchString(relPath) {
			return false
		}
	}
	for _, ex := range rs.excludes {
		if ex.MatchString(relPath) {
			return true
		}
	}
	return false
}

// globToRegex converts a shell glob pattern to a regex fragment (spec
// §4.1: "translated to anchored regexes by shell-glob conversion").
func globToRegex(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '^', '$', '|', '{', '}', '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// compileGlobLine compiles one ignore-file line into an anchored regex.
// Non-override lines are wrapped with ".*...\.*" per spec §4.1 so a
// pattern matches anywhere along the path; override lines are compiled
// bare since they only need to identify the path they rescue.
func compileGlobLine(line string, wrap bool) *regexp.Regexp {
	frag := globToRegex(strings.TrimSpace(line))
	if wrap {
		frag = ".*" + frag + ".*"
	}
	return regexp.MustCompile("^" + frag + "$")
}
