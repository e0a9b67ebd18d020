package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCompileBuildsRunner(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "source.yml"), `
input_dir: `+filepath.Join(dir, "in")+`
topic: orders
header: true
infer_schema: true
`)
	writeFile(t, filepath.Join(dir, "pipeline.yml"), `
schema_version: v1
journal:
  driver: memory
state:
  kind: memory
connectors:
  - name: files
    kind: source
    driver: csvfile
    config: source.yml
  - name: console
    kind: sink
    driver: stdout
    topics: [orders]
`)

	r, err := Compile(filepath.Join(dir, "pipeline.yml"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer r.Close()

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("compiled %d connectors", len(list))
	}
	byName := map[string]ConnectorStatus{}
	for _, st := range list {
		byName[st.Name] = st
	}
	if byName["files"].Kind != "source" || byName["files"].Driver != "csvfile" {
		t.Fatalf("source connector %+v", byName["files"])
	}
	if byName["console"].Kind != "sink" || byName["console"].Driver != "stdout" {
		t.Fatalf("sink connector %+v", byName["console"])
	}
	for _, st := range list {
		if st.State != StatusStopped {
			t.Fatalf("connector %s should be stopped before Start, is %s", st.Name, st.State)
		}
	}
}

func TestCompileRejectsUnknownJournalDriver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pipeline.yml"), `
journal:
  driver: carrier-pigeon
state:
  kind: memory
connectors:
  - name: console
    kind: sink
    driver: stdout
    topics: [t]
`)
	if _, err := Compile(filepath.Join(dir, "pipeline.yml")); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestCompileRejectsSinkWithoutTopics(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pipeline.yml"), `
journal:
  driver: memory
state:
  kind: memory
connectors:
  - name: console
    kind: sink
    driver: stdout
`)
	if _, err := Compile(filepath.Join(dir, "pipeline.yml")); err == nil {
		t.Fatalf("expected missing topics error")
	}
}
