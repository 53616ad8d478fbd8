// Package interceptor loads YAML interceptor manifests from a directory
// and runs the per-request match/handler state machine that decides
// whether a request is mocked, modified, or merely observed, per
// spec.md §4.3/§4.4.
package interceptor

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/procsi/procsid/internal/httpx"
)

// HandlerType is the fixed vocabulary of interceptor actions. There is no
// embedded scripting language; "exec" is the escape hatch for anything a
// fixed action can't express.
type HandlerType string

const (
	HandlerMock    HandlerType = "mock"
	HandlerModify  HandlerType = "modify"
	HandlerObserve HandlerType = "observe"
	HandlerExec    HandlerType = "exec"
)

// Match is the predicate an incoming request is evaluated against. A zero
// field is unconstrained; all non-zero fields must match (AND semantics).
// The first manifest (in lexicographic filename order) whose Match
// succeeds wins — interceptors do not chain, per spec.md §9.
type Match struct {
	Methods    []string `yaml:"methods,omitempty"`
	HostSuffix string   `yaml:"host_suffix,omitempty"`
	Host       string   `yaml:"host,omitempty"` // substring match, per spec.md §9
	PathPrefix string   `yaml:"path_prefix,omitempty"`
	Regex      string   `yaml:"regex,omitempty"` // matched against "METHOD url"

	compiledRegex *regexp.Regexp
}

// MockResponse is the canned response body HandlerMock returns without
// contacting upstream.
type MockResponse struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
}

// ModifySpec describes header/status overrides applied to the real
// upstream response before it reaches the client.
type ModifySpec struct {
	Status       int               `yaml:"status,omitempty"`
	SetHeaders   map[string]string `yaml:"set_headers,omitempty"`
	RemoveHeaders []string         `yaml:"remove_headers,omitempty"`
	Body         *string           `yaml:"body,omitempty"` // nil means "leave body alone"
}

// ExecSpec runs an external command, feeding it the request as JSON on
// stdin and expecting a handler decision as JSON on stdout.
type ExecSpec struct {
	Command []string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms,omitempty"`
}

// Handler is the tagged union of actions a manifest can specify. Exactly
// one of the typed fields should be populated, matching Type.
type Handler struct {
	Type    HandlerType    `yaml:"type"`
	Mock    *MockResponse  `yaml:"mock,omitempty"`
	Modify  *ModifySpec    `yaml:"modify,omitempty"`
	Exec    *ExecSpec      `yaml:"exec,omitempty"`
}

// Manifest is one interceptor loaded from a single YAML file.
type Manifest struct {
	Name    string  `yaml:"name"`
	Enabled *bool   `yaml:"enabled,omitempty"`
	Match   Match   `yaml:"match"`
	Handler Handler `yaml:"handler"`

	sourceFile string
}

// IsEnabled reports whether the manifest should participate in matching;
// absent "enabled" defaults to true.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// SourceFile returns the path this manifest was loaded from.
func (m *Manifest) SourceFile() string {
	return m.sourceFile
}

// parseManifest decodes and validates a single manifest file's contents.
func parseManifest(path string, data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%s: interceptor name must not be empty", path)
	}

	switch m.Handler.Type {
	case HandlerMock:
		if m.Handler.Mock == nil {
			return nil, fmt.Errorf("%s: handler type mock requires a mock block", path)
		}
		if m.Handler.Mock.Status < 100 || m.Handler.Mock.Status > 599 {
			return nil, fmt.Errorf("%s: mock status %d out of range [100,599]", path, m.Handler.Mock.Status)
		}
	case HandlerModify:
		if m.Handler.Modify == nil {
			return nil, fmt.Errorf("%s: handler type modify requires a modify block", path)
		}
	case HandlerObserve:
		// no required fields
	case HandlerExec:
		if m.Handler.Exec == nil || len(m.Handler.Exec.Command) == 0 {
			return nil, fmt.Errorf("%s: handler type exec requires a non-empty command", path)
		}
	default:
		return nil, fmt.Errorf("%s: unknown handler type %q", path, m.Handler.Type)
	}

	if m.Match.Regex != "" {
		re, err := httpx.CompileFilterPattern(m.Match.Regex)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m.Match.compiledRegex = re
	}

	m.sourceFile = path
	return &m, nil
}

// Matches reports whether req (method + absolute URL + host + path)
// satisfies every constraint on m.Match.
func (m *Manifest) Matches(method, url, host, path string) bool {
	if len(m.Match.Methods) > 0 && !containsFold(m.Match.Methods, method) {
		return false
	}
	if m.Match.HostSuffix != "" && !strings.HasSuffix(host, m.Match.HostSuffix) {
		return false
	}
	if m.Match.Host != "" && !strings.Contains(host, m.Match.Host) {
		return false
	}
	if m.Match.PathPrefix != "" && !strings.HasPrefix(path, m.Match.PathPrefix) {
		return false
	}
	if m.Match.compiledRegex != nil && !m.Match.compiledRegex.MatchString(method+" "+url) {
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
