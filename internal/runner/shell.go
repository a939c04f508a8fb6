package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// commandArgs builds the argv that runs script under shellSpec. Host agents
// default to a bash login shell with asdf initialised when available;
// container agents default to sh so minimal images work.
func commandArgs(shellSpec string, script string, env []string, host bool) ([]string, error) {
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("empty command")
	}
	shellSpec = strings.TrimSpace(shellSpec)
	if shellSpec == "" {
		if !host {
			return []string{"sh", "-c", script}, nil
		}
		if runtime.GOOS == "windows" {
			return []string{"cmd", "/C", script}, nil
		}
		return []string{"bash", "-l", "-c", asdfPrelude(env, "bash") + script}, nil
	}

	fields := strings.Fields(shellSpec)
	shell := fields[0]
	args := append([]string{}, fields[1:]...)
	base := strings.ToLower(filepath.Base(shell))

	switch base {
	case "bash", "zsh", "ksh", "fish":
		prelude := ""
		if host {
			prelude = asdfPrelude(env, base)
		}
		args = append(args, "-l", "-c", prelude+script)
	case "sh":
		// sh may be dash, which has no -l.
		prelude := ""
		if host {
			prelude = asdfPrelude(env, "sh")
		}
		args = append(args, "-c", prelude+script)
	case "cmd", "cmd.exe":
		args = append(args, "/C", script)
	case "pwsh", "powershell", "powershell.exe":
		args = append(args, "-Command", script)
	case "python", "python3", "python.exe":
		args = append(args, "-c", script)
	default:
		args = append(args, script)
	}
	return append([]string{shell}, args...), nil
}

func lookupEnv(env []string, key string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// findAsdf returns the asdf init script for the host, or "".
func findAsdf(env []string) string {
	var candidates []string
	if dir := lookupEnv(env, "ASDF_DIR"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "asdf.sh"))
	}
	home := lookupEnv(env, "HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".asdf", "asdf.sh"))
	}
	for _, c := range candidates {
		if fileExists(c) {
			return c
		}
	}
	return ""
}

// asdfPrelude sources asdf ahead of the script so host toolchains resolve
// the way they do in an interactive shell.
func asdfPrelude(env []string, shell string) string {
	script := findAsdf(env)
	if script == "" {
		return ""
	}
	switch shell {
	case "bash", "zsh":
		return fmt.Sprintf("source %q && ", script)
	case "ksh", "sh":
		return fmt.Sprintf(". %q && ", script)
	case "fish":
		if fish := strings.TrimSuffix(script, ".sh") + ".fish"; fileExists(fish) {
			script = fish
		}
		return fmt.Sprintf("source %q; ", script)
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

var bundlerVersionRegex = regexp.MustCompile(`bundler' \((\d+\.\d+(?:\.\d+)?)\)`)

// simplifyError appends an actionable hint for well-known toolchain errors.
func simplifyError(stderr string) string {
	lower := strings.ToLower(stderr)
	if !strings.Contains(lower, "could not find 'bundler'") {
		return stderr
	}
	hint := "hint: missing bundler; run `gem install bundler` or `bundle update --bundler`"
	if v := parseBundlerVersion(stderr); v != "" {
		hint = fmt.Sprintf("hint: missing bundler %s; run `gem install bundler:%s` or `bundle update --bundler`", v, v)
	}
	return appendLine(stderr, hint)
}

func parseBundlerVersion(stderr string) string {
	match := bundlerVersionRegex.FindStringSubmatch(stderr)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}
