package envscope

import (
	"strings"
	"testing"
)

func TestOverlayIsolatesSiblings(t *testing.T) {
	root := New([]string{"PATH=/usr/bin", "HOME=/root", "broken"}, map[string]string{"CI": "true"})
	a := root.Overlay(map[string]string{"TARGET": "frontend"}, nil)
	b := root.Overlay(map[string]string{"TARGET": "backend", "CI": "false"}, nil)

	if v, _ := a.Lookup("TARGET"); v != "frontend" {
		t.Fatalf("a TARGET = %q", v)
	}
	if v, _ := b.Lookup("TARGET"); v != "backend" {
		t.Fatalf("b TARGET = %q", v)
	}
	if _, ok := root.Lookup("TARGET"); ok {
		t.Fatalf("overlay leaked into parent scope")
	}
	if v, _ := a.Lookup("CI"); v != "true" {
		t.Fatalf("sibling shadowing leaked: CI = %q", v)
	}
	if v, _ := b.Lookup("PATH"); v != "/usr/bin" {
		t.Fatalf("expected host PATH visible, got %q", v)
	}
	if _, ok := root.Lookup("broken"); ok {
		t.Fatalf("malformed host entry should be ignored")
	}
}

func TestEnvironAndDeclared(t *testing.T) {
	s := New([]string{"PATH=/bin", "CI=host"}, map[string]string{"CI": "true"}).
		Overlay(map[string]string{"B": "2"}, map[string]string{"TOKEN": "xyz"})

	env := strings.Join(s.Environ(), ",")
	if env != "B=2,CI=true,PATH=/bin,TOKEN=xyz" {
		t.Fatalf("Environ = %s", env)
	}
	decl := strings.Join(s.Declared(), ",")
	if decl != "B=2,CI=true,TOKEN=xyz" {
		t.Fatalf("Declared = %s", decl)
	}
}

func TestRedact(t *testing.T) {
	s := New(nil, nil).Overlay(nil, map[string]string{"SHORT": "abc", "LONG": "abcdef", "EMPTY": ""})
	if !s.Secret("SHORT") || s.Secret("PATH") {
		t.Fatalf("unexpected secret tracking")
	}
	got := s.Redact("token=abcdef and abc!")
	if got != "token=*** and ***!" {
		t.Fatalf("Redact = %q", got)
	}

	plain := s.Overlay(map[string]string{"SHORT": "visible"}, nil)
	if plain.Secret("SHORT") {
		t.Fatalf("plain override should clear secret flag")
	}
	if got := plain.Redact("visible abcdef"); got != "visible ***" {
		t.Fatalf("Redact after override = %q", got)
	}
}

func TestRedactWriterSplitsAcrossWrites(t *testing.T) {
	s := New(nil, nil).Overlay(nil, map[string]string{"TOKEN": "hunter2"})
	var out strings.Builder
	w := NewRedactWriter(&out, s)
	for _, chunk := range []string{"pass: hun", "ter2\nnext ", "hunter2"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if out.String() != "pass: ***\n" {
		t.Fatalf("before flush = %q", out.String())
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if out.String() != "pass: ***\nnext ***" {
		t.Fatalf("after flush = %q", out.String())
	}
}
