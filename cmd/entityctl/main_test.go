package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const schema = `
types:
  - name: Person
    properties:
      - {name: name, kind: string, constraints: {not_empty: true}}
      - {name: age, kind: int, optional: true}
`

type env struct {
	t      *testing.T
	schema string
	dotenv string
}

func setup(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(schemaPath, []byte(schema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	t.Setenv("ENTITYCORE_STORAGE_DRIVER", "sqlite")
	t.Setenv("ENTITYCORE_SQLITE_PATH", filepath.Join(dir, "entities.db"))
	t.Setenv("ENTITYCORE_LOG_LEVEL", "warn")
	return env{t: t, schema: schemaPath, dotenv: filepath.Join(dir, "missing.env")}
}

func (e env) run(stdin string, args ...string) (int, string, string) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"-schema", e.schema, "-env", e.dotenv}, args...)
	code := cli(full, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestPutGetListRemove(t *testing.T) {
	e := setup(t)

	code, out, errOut := e.run("", "put", "Person", "p1", `{"properties":{"name":"Ada","age":36}}`)
	if code != 0 {
		t.Fatalf("put failed (%d): %s", code, errOut)
	}
	var created map[string]any
	if err := json.Unmarshal([]byte(out), &created); err != nil || created["version"] != "1" {
		t.Fatalf("unexpected put output %q: %v", out, err)
	}

	if code, _, errOut := e.run(`{"properties":{"name":"Bob","age":20}}`, "put", "Person", "p2"); code != 0 {
		t.Fatalf("put from stdin failed: %s", errOut)
	}

	code, out, _ = e.run("", "get", "Person", "p1")
	if code != 0 || !strings.Contains(out, `"Ada"`) {
		t.Fatalf("get: %d %s", code, out)
	}

	code, out, errOut = e.run("", "list", "Person", "-where", "age > 30")
	if code != 0 {
		t.Fatalf("list: %s", errOut)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"p1"`) {
		t.Fatalf("unexpected list output %q", out)
	}

	code, out, _ = e.run("", "list", "Person", "-order", "-age", "-max", "1")
	if code != 0 || !strings.Contains(out, `"p1"`) || strings.Contains(out, `"p2"`) {
		t.Fatalf("ordered list: %d %q", code, out)
	}

	if code, _, errOut := e.run("", "remove", "Person", "p1"); code != 0 {
		t.Fatalf("remove: %s", errOut)
	}
	code, _, errOut = e.run("", "get", "Person", "p1")
	if code != 1 || !strings.Contains(errOut, `no entity "p1"`) {
		t.Fatalf("expected missing entity, got %d %s", code, errOut)
	}
}

func TestTypes(t *testing.T) {
	e := setup(t)
	code, out, _ := e.run("", "types")
	if code != 0 || !strings.HasPrefix(out, "Person\t") {
		t.Fatalf("types: %d %q", code, out)
	}
}

func TestUsageErrors(t *testing.T) {
	e := setup(t)
	cases := []struct {
		args []string
		code int
	}{
		{nil, 2},
		{[]string{"explode"}, 2},
		{[]string{"get", "Person"}, 1},
		{[]string{"put", "Person", "p1", "{"}, 1},
		{[]string{"put", "Person", "p1", `{"properties":{"age":1}}`}, 1},
		{[]string{"list"}, 1},
		{[]string{"list", "Person", "-where", "age >"}, 1},
		{[]string{"list", "Person", "-bogus"}, 1},
		{[]string{"get", "Robot", "r1"}, 1},
	}
	for _, tc := range cases {
		if code, _, errOut := e.run("", tc.args...); code != tc.code {
			t.Fatalf("%v: expected exit %d, got %d (%s)", tc.args, tc.code, code, errOut)
		}
	}
}

func TestStartupFailures(t *testing.T) {
	e := setup(t)
	t.Setenv("ENTITYCORE_STORAGE_DRIVER", "mongo")
	if code, _, errOut := e.run("", "types"); code != 1 || !strings.Contains(errOut, "config") {
		t.Fatalf("expected config failure, got %d %s", code, errOut)
	}
	t.Setenv("ENTITYCORE_STORAGE_DRIVER", "memory")
	var stderr bytes.Buffer
	code := cli([]string{"-schema", filepath.Join(t.TempDir(), "none.yaml"), "-env", e.dotenv, "types"}, strings.NewReader(""), &bytes.Buffer{}, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "startup") {
		t.Fatalf("expected startup failure, got %d %s", code, stderr.String())
	}
	if code := cli([]string{"-nope"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("expected flag error exit 2, got %d", code)
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	setup(t)
	var codes []int
	old, oldArgs := exitFunc, os.Args
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc, os.Args = old, oldArgs }()
	os.Args = []string{"entityctl"}
	main()
	if len(codes) != 1 || codes[0] != 2 {
		t.Fatalf("unexpected exit codes %v", codes)
	}
}

func TestPutKeepsLargeIntegers(t *testing.T) {
	e := setup(t)

	code, _, errOut := e.run("", "put", "Person", "p9", `{"properties":{"name":"Ada","age":9007199254740993}}`)
	if code != 0 {
		t.Fatalf("put failed (%d): %s", code, errOut)
	}
	code, out, errOut := e.run("", "get", "Person", "p9")
	if code != 0 || !strings.Contains(out, "9007199254740993") {
		t.Fatalf("expected exact age after round trip, got %d %q %s", code, out, errOut)
	}

	code, _, errOut = e.run("", "put", "Person", "p10", `{"properties":{"name":"Bob","age":1e20}}`)
	if code != 1 || !strings.Contains(errOut, "not assignable") {
		t.Fatalf("expected out of range age to be rejected, got %d %s", code, errOut)
	}
}
