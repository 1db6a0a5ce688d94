package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const cliYAML = `
logging:
  level: error
storage:
  path: %q
fetch:
  max_attempts: 1
monitor:
  pacing: 0s
channels:
  - name: hook
    kind: webhook
    url_env: FEEDWATCH_TEST_HOOK
sources:
  - id: feed
    kind: json-api
    url: %q
    selector_rules:
      items: items
      key: "{id}"
      fields:
        - {name: id, required: true}
`

func writeConfig(t *testing.T, upstream string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "feedwatch.yaml")
	body := fmt.Sprintf(cliYAML, filepath.Join(dir, "state.db"), upstream)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestExitCodes(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"a"}]}`))
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()

	t.Setenv("FEEDWATCH_TEST_HOOK", hook.URL)
	noEnv := filepath.Join(t.TempDir(), "absent.env")

	good := writeConfig(t, ok.URL)
	broken := writeConfig(t, down.URL)
	invalid := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(invalid, []byte("sources: []\nunknown: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name string
		args []string
		want int
		out  string
	}{
		{"no command", nil, exitConfig, ""},
		{"unknown command", []string{"explode"}, exitConfig, ""},
		{"list sources", []string{"list-sources", "-config", good, "-env", noEnv}, exitOK, "feed"},
		{"invalid config", []string{"run", "--once", "-config", invalid, "-env", noEnv}, exitConfig, ""},
		{"one-shot ok", []string{"run", "--once", "-config", good, "-env", noEnv}, exitOK, ""},
		{"one-shot partial", []string{"run", "--once", "-config", broken, "-env", noEnv}, exitPartial, ""},
		{"prune needs duration", []string{"prune", "-config", good, "-env", noEnv}, exitConfig, ""},
		{"prune", []string{"prune", "--older-than", "720h", "-config", good, "-env", noEnv}, exitOK, "pruned 0 records"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(tc.args, &stdout, &stderr); got != tc.want {
				t.Fatalf("exit=%d want %d\nstderr: %s", got, tc.want, stderr.String())
			}
			if tc.out != "" && !strings.Contains(stdout.String(), tc.out) {
				t.Fatalf("stdout=%q want %q", stdout.String(), tc.out)
			}
		})
	}
}
