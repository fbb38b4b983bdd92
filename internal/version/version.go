package version

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Version is a major.minor pair written into the version makefile.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses a "major.minor" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("invalid major version %q: %w", parts[0], err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, fmt.Errorf("invalid minor version %q: %w", parts[1], err)
	}
	return Version{Major: major, Minor: minor}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Patch rewrites <prefix>_VERSION_MAJOR and <prefix>_VERSION_MINOR makefile
// assignments in the file at path.
func Patch(path, prefix string, v Version) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open version file: %w", err)
	}

	text := string(content)
	for _, repl := range []struct {
		field string
		value int
	}{
		{field: "MAJOR", value: v.Major},
		{field: "MINOR", value: v.Minor},
	} {
		variable := fmt.Sprintf("%s_VERSION_%s", prefix, repl.field)
		re, err := regexp.Compile(regexp.QuoteMeta(variable) + `\s*:=\s*\d+`)
		if err != nil {
			return fmt.Errorf("failed to compile version pattern: %w", err)
		}
		if !re.MatchString(text) {
			return fmt.Errorf("version file has no %s assignment", variable)
		}
		text = re.ReplaceAllString(text, fmt.Sprintf("%s := %d", variable, repl.value))
	}

	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write version file: %w", err)
	}
	return nil
}
