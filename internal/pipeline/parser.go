package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRootID names the root stage when the definition does not.
const DefaultRootID = "pipeline"

// Parser loads pipeline definitions from disk.
type Parser struct {
	Root string
}

// NewParser constructs a Parser that resolves definition paths relative to root.
func NewParser(root string) *Parser {
	return &Parser{Root: root}
}

// Parse reads the definition at path and produces a validated Pipeline.
func (p *Parser) Parse(path string) (*Pipeline, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(p.Root, path)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open pipeline %q: %w", path, err)
	}
	defer f.Close()

	pl, err := Decode(f, path)
	if err != nil {
		return nil, err
	}
	if err := Validate(pl); err != nil {
		return nil, fmt.Errorf("invalid pipeline %q: %w", path, err)
	}
	return pl, nil
}

// Decode converts a YAML definition into a Pipeline without validating it.
func Decode(r io.Reader, displayPath string) (*Pipeline, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var doc pipelineDocument
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse pipeline %q: %w", displayPath, err)
	}

	pl := &Pipeline{
		Name:        doc.Name,
		Path:        displayPath,
		Credentials: doc.Credentials,
	}
	if pl.Name == "" {
		pl.Name = strings.TrimSuffix(filepath.Base(displayPath), filepath.Ext(displayPath))
	}

	b := &builder{}
	root, err := b.stage(doc.stageDocument, DefaultRootID)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline %q: %w", displayPath, err)
	}
	pl.Root = root
	pl.Warnings = b.warnings
	return pl, nil
}

type builder struct {
	warnings []Warning
}

func (b *builder) stage(doc stageDocument, fallbackID string) (*Stage, error) {
	st := &Stage{
		ID:      strings.TrimSpace(doc.ID),
		Env:     b.convertEnv(doc.Env, fallbackID),
		Secrets: doc.Secrets,
		When:    strings.TrimSpace(doc.When),
	}
	if st.ID == "" {
		st.ID = fallbackID
	}

	bodies := 0
	if len(doc.Sequential) > 0 {
		bodies++
		st.Kind = KindSequential
		for i, child := range doc.Sequential {
			c, err := b.stage(child, childID(st.ID, i))
			if err != nil {
				return nil, err
			}
			st.Children = append(st.Children, c)
		}
	}
	if doc.Parallel != nil {
		bodies++
		st.Kind = KindParallel
		st.FailFast = doc.Parallel.FailFast
		for i, child := range doc.Parallel.Stages {
			c, err := b.stage(child, childID(st.ID, i))
			if err != nil {
				return nil, err
			}
			st.Children = append(st.Children, c)
		}
	}
	if len(doc.Steps) > 0 {
		bodies++
		st.Kind = KindLeaf
		for i, step := range doc.Steps {
			action, err := step.action(i)
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", st.ID, err)
			}
			st.Actions = append(st.Actions, action)
		}
	}
	switch bodies {
	case 0:
		return nil, fmt.Errorf("stage %q: one of sequential, parallel or steps is required", st.ID)
	case 1:
	default:
		return nil, fmt.Errorf("stage %q: sequential, parallel and steps are mutually exclusive", st.ID)
	}

	if doc.Agent != nil {
		st.Agent = &AgentSpec{
			Image:     strings.TrimSpace(doc.Agent.Image),
			Workspace: strings.TrimSpace(doc.Agent.Workspace),
			Args:      append([]string{}, doc.Agent.Args...),
		}
		if st.Agent.Workspace == "" {
			st.Agent.Workspace = WorkspaceReuse
		}
	}

	for i, h := range doc.Post {
		hook, err := h.hook(i)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", st.ID, err)
		}
		st.Post = append(st.Post, hook)
	}
	return st, nil
}

func childID(parent string, idx int) string {
	return parent + "." + strconv.Itoa(idx+1)
}

func (b *builder) convertEnv(input map[string]interface{}, stageID string) map[string]string {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]string, len(input))
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := input[k].(type) {
		case string:
			out[k] = v
		case nil:
			out[k] = ""
		case map[string]interface{}, []interface{}:
			b.warnings = append(b.warnings, Warning{Stage: stageID, Message: fmt.Sprintf("env %s is not a scalar; value flattened", k)})
			out[k] = fmt.Sprint(v)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

type pipelineDocument struct {
	Name          string            `yaml:"name"`
	Credentials   map[string]string `yaml:"credentials"`
	stageDocument `yaml:",inline"`
}

type stageDocument struct {
	ID         string                 `yaml:"id"`
	Sequential []stageDocument        `yaml:"sequential"`
	Parallel   *parallelDocument      `yaml:"parallel"`
	Steps      []stepDocument         `yaml:"steps"`
	Agent      *agentDocument         `yaml:"agent"`
	Env        map[string]interface{} `yaml:"env"`
	Secrets    map[string]string      `yaml:"secrets"`
	When       string                 `yaml:"when"`
	Post       []hookDocument         `yaml:"post"`
}

type parallelDocument struct {
	FailFast bool            `yaml:"fail_fast"`
	Stages   []stageDocument `yaml:"stages"`
}

type agentDocument struct {
	Image     string   `yaml:"image"`
	Workspace string   `yaml:"workspace"`
	Args      []string `yaml:"args"`
}

// UnmarshalYAML accepts either a mapping or a bare image reference.
func (a *agentDocument) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Image = node.Value
		return nil
	}
	type plain agentDocument
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = agentDocument(p)
	return nil
}

type stepDocument struct {
	Name             string `yaml:"name"`
	Run              string `yaml:"run"`
	Shell            string `yaml:"shell"`
	WorkingDirectory string `yaml:"working-directory"`
	Timeout          string `yaml:"timeout"`
}

// UnmarshalYAML accepts either a mapping or a bare command string.
func (s *stepDocument) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Run = node.Value
		return nil
	}
	type plain stepDocument
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = stepDocument(p)
	return nil
}

func (s stepDocument) action(idx int) (Action, error) {
	a := Action{
		Name:             s.Name,
		Run:              s.Run,
		Shell:            s.Shell,
		WorkingDirectory: s.WorkingDirectory,
	}
	if a.Name == "" {
		a.Name = fmt.Sprintf("step %d", idx+1)
	}
	if strings.TrimSpace(a.Run) == "" {
		return Action{}, fmt.Errorf("%s: run is required", a.Name)
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return Action{}, fmt.Errorf("%s: parse timeout: %w", a.Name, err)
		}
		a.Timeout = d
	}
	return a, nil
}

type hookDocument struct {
	Name     string `yaml:"name"`
	JUnit    string `yaml:"junit"`
	HTML     string `yaml:"html"`
	Archive  string `yaml:"archive"`
	Run      string `yaml:"run"`
	Required bool   `yaml:"required"`
}

func (h hookDocument) hook(idx int) (PostHook, error) {
	hook := PostHook{Name: h.Name, Required: h.Required}
	set := 0
	if h.JUnit != "" {
		set++
		hook.Kind, hook.Path = HookJUnit, h.JUnit
	}
	if h.HTML != "" {
		set++
		hook.Kind, hook.Path = HookHTML, h.HTML
	}
	if h.Archive != "" {
		set++
		hook.Kind, hook.Path = HookArchive, h.Archive
	}
	if h.Run != "" {
		set++
		hook.Kind, hook.Run = HookRun, h.Run
	}
	if set != 1 {
		return PostHook{}, fmt.Errorf("post hook %d: exactly one of junit, html, archive or run is required", idx+1)
	}
	if hook.Name == "" {
		hook.Name = fmt.Sprintf("%s-%d", hook.Kind, idx+1)
	}
	return hook, nil
}
