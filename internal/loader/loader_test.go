package loader

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
)

// fakeCLI installs a shell script named name on PATH for the duration of
// the test that logs every invocation (one line per call, space-joined
// args) to a log file and exits with exitCode. It returns the log file's
// path.
func fakeCLI(t *testing.T, name string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI script requires a POSIX shell")
	}

	dir := t.TempDir()
	logPath := filepath.Join(dir, "invocations.log")
	scriptPath := filepath.Join(dir, name)

	script := "#!/bin/sh\necho \"$@\" >> \"" + logPath + "\"\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake CLI script: %v", err)
	}

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })

	return logPath
}

func readLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func TestSaveToFileInvokesSave(t *testing.T) {
	logPath := fakeCLI(t, "docker", 0)

	b := New("docker", nil)
	if err := b.SaveToFile(context.Background(), "example:latest", "/tmp/out.tar"); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	lines := readLog(t, logPath)
	if len(lines) != 1 || lines[0] != "save -o /tmp/out.tar example:latest" {
		t.Errorf("unexpected invocations: %v", lines)
	}
}

func TestSaveToFileSurfacesDockerError(t *testing.T) {
	fakeCLI(t, "docker", 1)

	b := New("docker", nil)
	err := b.SaveToFile(context.Background(), "example:latest", "/tmp/out.tar")
	if err == nil {
		t.Fatalf("expected an error when the CLI exits non-zero")
	}
}

func TestLoadIntoRegistrySequencesLoadTagTagRmi(t *testing.T) {
	logPath := fakeCLI(t, "docker", 0)

	b := New("docker", nil)
	if err := b.LoadIntoRegistry(context.Background(), "/tmp/in.tar", "example:latest", "final:latest"); err != nil {
		t.Fatalf("LoadIntoRegistry: %v", err)
	}

	lines := readLog(t, logPath)
	if len(lines) != 4 {
		t.Fatalf("expected 4 CLI invocations (load, tag, tag, rmi), got %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "load ") {
		t.Errorf("first invocation = %q, want a load", lines[0])
	}
	if !strings.HasPrefix(lines[1], "tag example:latest squash-tmp-") {
		t.Errorf("second invocation = %q, want tag from the loaded ref to a temp tag", lines[1])
	}
	tempTag := strings.Fields(lines[1])[2]
	if lines[2] != "tag "+tempTag+" final:latest" {
		t.Errorf("third invocation = %q, want tag from the temp tag to the final name", lines[2])
	}
	if lines[3] != "rmi "+tempTag {
		t.Errorf("fourth invocation = %q, want rmi of the temp tag", lines[3])
	}
}

func TestLoadIntoRegistryUsesUniqueTempTagsAcrossCalls(t *testing.T) {
	logPath := fakeCLI(t, "docker", 0)

	b := New("docker", nil)
	for i := 0; i < 2; i++ {
		if err := b.LoadIntoRegistry(context.Background(), "/tmp/in.tar", "example:latest", "final:latest"); err != nil {
			t.Fatalf("LoadIntoRegistry call %d: %v", i, err)
		}
	}

	lines := readLog(t, logPath)
	if len(lines) != 8 {
		t.Fatalf("expected 8 invocations across two calls, got %d", len(lines))
	}
	firstTemp := strings.Fields(lines[1])[2]
	secondTemp := strings.Fields(lines[5])[2]
	if firstTemp == secondTemp {
		t.Errorf("expected distinct temporary tags across calls, both were %q", firstTemp)
	}
}

func TestLoadIntoRegistryStopsAfterLoadFailure(t *testing.T) {
	logPath := fakeCLI(t, "docker", 1)

	b := New("docker", nil)
	err := b.LoadIntoRegistry(context.Background(), "/tmp/in.tar", "example:latest", "final:latest")
	if err == nil {
		t.Fatalf("expected an error when load fails")
	}

	lines := readLog(t, logPath)
	if len(lines) != 1 {
		t.Fatalf("expected only the failed load invocation, got %d: %v", len(lines), lines)
	}
}

func TestNewDefaultsToDocker(t *testing.T) {
	b := New("", nil)
	if b.CLI != "docker" {
		t.Errorf("CLI = %q, want docker", b.CLI)
	}
}
