package rules

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/dredge/api/schemas"
)

func writeTempRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newResponse(status int, header http.Header, body string) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		StatusLine: "HTTP/1.1 " + http.StatusText(status),
		Header:     header,
		Body:       []byte(body),
	}
}

func TestRuleValidate(t *testing.T) {
	testCases := []struct {
		name  string
		rule  Rule
		valid bool
	}{
		{"valid", Rule{Name: "git-config", Path: "/.git/config", Signature: "[core]"}, true},
		{"missing name", Rule{Path: "/.env", Signature: "APP_KEY"}, false},
		{"empty signature", Rule{Name: "x", Path: "/.env"}, false},
		{"relative path", Rule{Name: "x", Path: ".env", Signature: "y"}, false},
		{"absolute url as path", Rule{Name: "x", Path: "https://evil.test/", Signature: "y"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRule)
			}
		})
	}
}

func TestLoadSkipsMalformedEntries(t *testing.T) {
	path := writeTempRules(t, `
rules:
  - name: git-config
    path: /.git/config
    signature: "ref: refs/"
    severity: high
  - "just a scalar, not a rule"
  - name: env-file
    path: /.env
    signature: "APP_KEY="
`)
	loaded, err := Load(path, nil)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "git-config", loaded[0].Name)
	// Severity defaults to info when omitted.
	assert.Equal(t, schemas.SeverityInfo, loaded[1].Severity)
}

func TestLoadFailsWhenNothingParses(t *testing.T) {
	path := writeTempRules(t, "rules:\n  - 17\n")
	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestCompileOrderAndDedupe(t *testing.T) {
	compiled, err := Compile([]Rule{
		{Name: "low", Path: "/a", Signature: "a", Severity: schemas.SeverityLow},
		{Name: "crit", Path: "/b", Signature: "b", Severity: schemas.SeverityCritical},
		{Name: "crit", Path: "/dup", Signature: "dup", Severity: schemas.SeverityCritical},
		{Name: "bad", Path: "no-slash", Signature: "c"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, compiled.Len())

	// Highest severity first; the duplicate kept its first definition.
	assert.Equal(t, "crit", compiled.Rules()[0].Name)
	kept, ok := compiled.Get("crit")
	require.True(t, ok)
	assert.Equal(t, "/b", kept.Path)
}

func TestCompileAllInvalid(t *testing.T) {
	_, err := Compile([]Rule{{Name: "bad", Path: "no", Signature: ""}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestEvaluateIsCaseSensitiveSubstring(t *testing.T) {
	compiled, err := Compile([]Rule{
		{Name: "git-head", Path: "/.git/HEAD", Signature: "ref: refs/", Severity: schemas.SeverityHigh},
	}, nil)
	require.NoError(t, err)

	match := newResponse(200, nil, "ref: refs/heads/main\n")
	assert.True(t, compiled.Evaluate("git-head", match))

	// Different case must not match; signatures are literal fingerprints.
	miss := newResponse(200, nil, "REF: REFS/heads/main\n")
	assert.False(t, compiled.Evaluate("git-head", miss))

	assert.False(t, compiled.Evaluate("no-such-rule", match))
	assert.False(t, compiled.Evaluate("git-head", nil))
}

func TestEvaluateMatchesHeaders(t *testing.T) {
	compiled, err := Compile([]Rule{
		{Name: "index-of", Path: "/backup/", Signature: "X-Backup-Server: 1"},
	}, nil)
	require.NoError(t, err)

	resp := newResponse(200, http.Header{"X-Backup-Server": []string{"1"}}, "nothing here")
	assert.True(t, compiled.Evaluate("index-of", resp))
}

func TestExcerpt(t *testing.T) {
	resp := newResponse(200, nil, "prefix ref: refs/heads/main suffix that runs long")
	got := resp.Excerpt("ref: refs/", 7)
	assert.Contains(t, got, "ref: refs/")
	assert.Empty(t, resp.Excerpt("absent", 7))
}

func TestAddAndRemove(t *testing.T) {
	dest := writeTempRules(t, `
rules:
  - name: git-config
    path: /.git/config
    signature: "[core]"
    severity: high
`)
	src := writeTempRules(t, `
rules:
  - name: git-config
    path: /.git/config
    signature: "overridden"
  - name: env-file
    path: /.env
    signature: "APP_KEY="
    severity: critical
`)

	added, err := Add(dest, src, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	loaded, err := Load(dest, nil)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	// Existing definitions win over same-named incoming ones.
	assert.Equal(t, "[core]", loaded[0].Signature)

	removed, err := Remove(dest, "git-config", nil)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = Remove(dest, "git-config", nil)
	require.NoError(t, err)
	assert.False(t, removed)

	loaded, err = Load(dest, nil)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "env-file", loaded[0].Name)
}

func TestAddIntoMissingFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "new.yaml")
	src := writeTempRules(t, `
rules:
  - name: env-file
    path: /.env
    signature: "APP_KEY="
`)
	added, err := Add(dest, src, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}
