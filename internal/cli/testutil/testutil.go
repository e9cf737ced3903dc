// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leapstack-labs/crmsync/internal/cli/output"
	"github.com/leapstack-labs/crmsync/internal/crm/memory"
	"github.com/leapstack-labs/crmsync/pkg/core"
)

var projectSeq atomic.Int64

// Project is a temporary crmsync project backed by in-memory portals.
type Project struct {
	Dir        string
	ConfigPath string
	StatePath  string
	Source     *memory.Portal
	Target     *memory.Portal
}

const projectConfig = `source:
  type: memory
  base_url: memory://%[1]s-source
target:
  type: memory
  base_url: memory://%[1]s-target
state_path: state/crmsync.db
retry:
  max_attempts: 2
  base_delay: 1ms
  max_delay: 2ms
objects:
  - type: companies
    associations: [contacts]
    mappings:
      - source: name
        required: true
        transforms:
          - kind: strip_company_suffix
      - source: domain
        transforms:
          - kind: normalize_url
  - type: contacts
    mappings:
      - source: email
        required: true
        transforms:
          - kind: trim
          - kind: normalize_email
      - source: firstname
        transforms:
          - kind: titlecase
      - source: associatedcompanyid
        reference: companies
`

// SetupTestProject creates a temporary project with a config file, CSV
// exports and a seeded source portal: one company and two contacts.
func SetupTestProject(t *testing.T) *Project {
	t.Helper()

	dir := t.TempDir()
	name := fmt.Sprintf("cli-%d", projectSeq.Add(1))

	p := &Project{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, "crmsync.yaml"),
		StatePath:  filepath.Join(dir, "state", "crmsync.db"),
		Source:     memory.Shared("memory://" + name + "-source"),
		Target:     memory.Shared("memory://" + name + "-target"),
	}

	writeFile(t, p.ConfigPath, fmt.Sprintf(projectConfig, name))
	writeFile(t, filepath.Join(dir, "exports", "companies.csv"), "hs_object_id,name,domain\nc1,Acme Inc.,https://www.acme.com/\n")
	writeFile(t, filepath.Join(dir, "exports", "contacts.csv"),
		"hs_object_id,email,firstname,associatedcompanyid\n"+
			"p1,JOHN.DOE@gmail.com ,john,c1\n"+
			"p2,,jane,\n")

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	acme := p.Source.Seed(core.ObjectCompanies, map[string]string{"name": "Acme Inc.", "domain": "acme.com"}, at, at)
	p.Source.Seed(core.ObjectContacts, map[string]string{"email": "john@acme.com", "firstname": "john", "associatedcompanyid": acme}, at, at)
	p.Source.Seed(core.ObjectContacts, map[string]string{"email": "jane@acme.com", "firstname": "JANE"}, at, at)

	return p
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// TestRenderer wraps a Renderer for testing with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a new test renderer with the specified mode.
func NewTestRenderer(mode output.Mode) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRenderer(out, errOut, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// Output returns the stdout output as a string.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns the stderr output as a string.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}

// AssertContains checks that the string contains the expected substring.
func AssertContains(t *testing.T, s, expected string) {
	t.Helper()
	if !strings.Contains(s, expected) {
		t.Errorf("string %q does not contain expected %q", s, expected)
	}
}
