// Package version detects host toolchain versions so host agents can warn when
// a stage asks for an image the host does not match.
package version

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Info captures a language version installed on the system.
type Info struct {
	Name    string
	Version string
}

type probe struct {
	cmd   []string
	regex *regexp.Regexp
}

var probes = map[string]probe{
	"ruby":   {cmd: []string{"ruby", "-v"}, regex: regexp.MustCompile(`(?i)ruby\s+(\d+\.\d+(?:\.\d+)?)`)},
	"node":   {cmd: []string{"node", "-v"}, regex: regexp.MustCompile(`(?i)v?(\d+\.\d+(?:\.\d+)?)`)},
	"python": {cmd: []string{"python3", "--version"}, regex: regexp.MustCompile(`(?i)python\s+(\d+\.\d+(?:\.\d+)?)`)},
	"go":     {cmd: []string{"go", "version"}, regex: regexp.MustCompile(`go(\d+\.\d+(?:\.\d+)?)`)},
}

// imageTools maps official image names to the tool they provide.
var imageTools = map[string]string{
	"ruby":   "ruby",
	"node":   "node",
	"python": "python",
	"golang": "go",
}

// ErrUnknownTool is returned by Detect for tools without a probe.
var ErrUnknownTool = errors.New("unknown tool")

// Detect returns the host version of tool by running its version command.
func Detect(tool string) (Info, error) {
	p, ok := probes[tool]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	out, err := runCommand(p.cmd[0], p.cmd[1:]...)
	if err != nil {
		return Info{}, err
	}
	match := p.regex.FindStringSubmatch(out)
	if len(match) < 2 {
		return Info{}, fmt.Errorf("unable to parse %s version from %q", tool, out)
	}
	return Info{Name: tool, Version: match[1]}, nil
}

// ParseImage maps an image reference such as "node:20-alpine" or
// "docker.io/library/golang:1.25" to the tool and version it provides. ok is
// false for images without a known tool or a numeric tag.
func ParseImage(image string) (tool, tag string, ok bool) {
	ref := image
	if idx := strings.Index(ref, "@"); idx >= 0 {
		ref = ref[:idx]
	}
	name, tag, found := strings.Cut(ref[strings.LastIndex(ref, "/")+1:], ":")
	if !found {
		return "", "", false
	}
	tool, known := imageTools[name]
	if !known {
		return "", "", false
	}
	tag, _, _ = strings.Cut(tag, "-")
	if tag == "" || tag[0] < '0' || tag[0] > '9' {
		return "", "", false
	}
	return tool, tag, true
}

func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdin = nil
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// CompareMajorMinor compares major.minor portions of two semver-like versions.
func CompareMajorMinor(desired, actual string) bool {
	d := semverPrefix(desired)
	a := semverPrefix(actual)
	if d == "" || a == "" {
		return false
	}
	return strings.EqualFold(d, a)
}

// Matches compares an image tag against a detected version using only the
// precision the tag specifies: "20" matches any 20.x, "3.12" any 3.12.x.
func Matches(tag, actual string) bool {
	if tag == "" || actual == "" {
		return false
	}
	if !strings.Contains(tag, ".") {
		major, _, _ := strings.Cut(actual, ".")
		return major == tag
	}
	return CompareMajorMinor(tag, actual)
}

func semverPrefix(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return ""
	}
	return fmt.Sprintf("%s.%s", parts[0], parts[1])
}

// Missing reports whether executing the command returns a not-found error.
func Missing(cmdErr error) bool {
	return errors.Is(cmdErr, exec.ErrNotFound)
}
