package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const webAppDoc = `
name: web-app
credentials:
  npm-token: env:NPM_TOKEN
env:
  CI: true
  RETRIES: 3
sequential:
  - id: unit
    parallel:
      fail_fast: true
      stages:
        - id: unit-frontend
          agent: node:20
          steps:
            - npm ci
            - name: test
              run: npm test
              working-directory: frontend
              timeout: 5m
          post:
            - junit: frontend/junit.xml
              required: true
        - id: unit-backend
          agent:
            image: golang:1.25
            workspace: fresh
            args: ["--memory=2g"]
          secrets:
            NPM_TOKEN: npm-token
          steps:
            - go test ./...
  - id: deploy
    when: branch == "main"
    sequential:
      - steps: ["./deploy.sh staging"]
        post:
          - name: notify
            run: ./notify.sh
          - html: reports/deploy
`

func TestDecodeWebApp(t *testing.T) {
	pl, err := Decode(strings.NewReader(webAppDoc), "conveyor.yml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(pl); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if pl.Name != "web-app" || pl.Credentials["npm-token"] != "env:NPM_TOKEN" {
		t.Fatalf("unexpected pipeline header: %+v", pl)
	}
	root := pl.Root
	if root.ID != DefaultRootID || root.Kind != KindSequential || len(root.Children) != 2 {
		t.Fatalf("unexpected root: %+v", root)
	}
	if root.Env["CI"] != "true" || root.Env["RETRIES"] != "3" {
		t.Fatalf("expected scalar env flattened to strings, got %+v", root.Env)
	}

	unit := root.Children[0]
	if unit.Kind != KindParallel || !unit.FailFast || len(unit.Children) != 2 {
		t.Fatalf("unexpected parallel stage: %+v", unit)
	}
	fe := unit.Children[0]
	if fe.Agent == nil || fe.Agent.Image != "node:20" || fe.Agent.Workspace != WorkspaceReuse {
		t.Fatalf("expected shorthand agent with reuse default, got %+v", fe.Agent)
	}
	if len(fe.Actions) != 2 || fe.Actions[0].Run != "npm ci" || fe.Actions[0].Name != "step 1" {
		t.Fatalf("unexpected actions: %+v", fe.Actions)
	}
	if fe.Actions[1].WorkingDirectory != "frontend" || fe.Actions[1].Timeout != 5*time.Minute {
		t.Fatalf("unexpected action details: %+v", fe.Actions[1])
	}
	if len(fe.Post) != 1 || fe.Post[0].Kind != HookJUnit || !fe.Post[0].Required || fe.Post[0].Name != "junit-1" {
		t.Fatalf("unexpected post hooks: %+v", fe.Post)
	}

	be := unit.Children[1]
	if be.Agent.Workspace != WorkspaceFresh || be.Agent.Args[0] != "--memory=2g" {
		t.Fatalf("unexpected agent: %+v", be.Agent)
	}
	if be.Secrets["NPM_TOKEN"] != "npm-token" {
		t.Fatalf("unexpected secrets: %+v", be.Secrets)
	}

	deploy := root.Children[1]
	if deploy.When != `branch == "main"` || deploy.Kind != KindSequential {
		t.Fatalf("unexpected deploy stage: %+v", deploy)
	}
	leaf := deploy.Children[0]
	if leaf.ID != "deploy.1" {
		t.Fatalf("expected derived id deploy.1, got %q", leaf.ID)
	}
	if leaf.Post[0].Kind != HookRun || leaf.Post[1].Kind != HookHTML || leaf.Post[1].Path != "reports/deploy" {
		t.Fatalf("unexpected hooks: %+v", leaf.Post)
	}

	if got := len(root.Leaves()); got != 3 {
		t.Fatalf("expected 3 leaves, got %d", got)
	}
	if root.Find("unit-backend") != be {
		t.Fatalf("Find did not return the backend stage")
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"no body":        "id: x\n",
		"two bodies":     "steps: [echo]\nsequential:\n  - steps: [echo]\n",
		"empty run":      "steps:\n  - name: x\n",
		"bad timeout":    "steps:\n  - run: echo\n    timeout: soon\n",
		"hook two kinds": "steps: [echo]\npost:\n  - junit: a.xml\n    run: echo\n",
		"hook no kind":   "steps: [echo]\npost:\n  - required: true\n",
		"unknown field":  "steps: [echo]\nstepz: []\n",
	}
	for name, doc := range cases {
		if _, err := Decode(strings.NewReader(doc), "p.yml"); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	dup := `
sequential:
  - id: a
    steps: [echo]
  - id: a
    steps: [echo]
`
	pl, err := Decode(strings.NewReader(dup), "p.yml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	err = Validate(pl)
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), `duplicate stage id "a"`) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}

	empty := "parallel:\n  stages: []\n"
	pl, err = Decode(strings.NewReader(empty), "p.yml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(pl); err == nil || !strings.Contains(err.Error(), "no child stages") {
		t.Fatalf("expected empty parallel error, got %v", err)
	}

	policy := "agent:\n  workspace: shared\nsteps: [echo]\n"
	pl, err = Decode(strings.NewReader(policy), "p.yml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(pl); err == nil || !strings.Contains(err.Error(), "unknown workspace policy") {
		t.Fatalf("expected policy error, got %v", err)
	}

	slash := "sequential:\n  - id: a/b\n    steps: [echo]\n  - id: a_b\n    steps: [echo]\n"
	pl, err = Decode(strings.NewReader(slash), "p.yml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(pl); !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), `stage id "a/b" contains a path separator`) {
		t.Fatalf("expected separator error, got %v", err)
	}
}

func TestParserParseFromDisk(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "ci.yml"), []byte(webAppDoc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	pl, err := NewParser(root).Parse("ci.yml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pl.Path != "ci.yml" || pl.Root == nil {
		t.Fatalf("unexpected pipeline: %+v", pl)
	}
	if _, err := NewParser(root).Parse("missing.yml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDecodeNameFallsBackToFile(t *testing.T) {
	pl, err := Decode(strings.NewReader("steps: [echo hi]\n"), "ci/build.yaml")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pl.Name != "build" {
		t.Fatalf("expected name derived from file, got %q", pl.Name)
	}
}
