package verify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ralphdev/ralphd/internal/agent"
	"github.com/ralphdev/ralphd/internal/tasks"
)

type fakeAgent struct {
	mu      sync.Mutex
	outcome agent.Outcome
	err     error
	specs   []agent.ProcessSpec
}

func (f *fakeAgent) Run(_ context.Context, spec agent.ProcessSpec) (agent.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return f.outcome, f.err
}

type fakeGit struct {
	diff string
	err  error
}

func (f *fakeGit) GetDiff(context.Context, string) (string, error) {
	return f.diff, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetectTestCommand(t *testing.T) {
	cases := []struct {
		name     string
		files    map[string]string
		wantName string
		wantOK   bool
	}{
		{
			name:     "npm by default",
			files:    map[string]string{"package.json": `{"scripts":{"test":"vitest run"}}`},
			wantName: "npm",
			wantOK:   true,
		},
		{
			name: "pnpm by lockfile",
			files: map[string]string{
				"package.json":   `{"scripts":{"test":"vitest run"}}`,
				"pnpm-lock.yaml": "",
			},
			wantName: "pnpm",
			wantOK:   true,
		},
		{
			name: "yarn by lockfile",
			files: map[string]string{
				"package.json": `{"scripts":{"test":"jest"}}`,
				"yarn.lock":    "",
			},
			wantName: "yarn",
			wantOK:   true,
		},
		{
			name: "stub npm script falls through to go",
			files: map[string]string{
				"package.json": `{"scripts":{"test":"echo \"Error: no test specified\" && exit 1"}}`,
				"go.mod":       "module example.com/x\n",
			},
			wantName: "go",
			wantOK:   true,
		},
		{
			name:     "pytest ini",
			files:    map[string]string{"pytest.ini": "[pytest]\n"},
			wantName: "pytest",
			wantOK:   true,
		},
		{
			name:     "pyproject",
			files:    map[string]string{"pyproject.toml": "[tool.pytest.ini_options]\n"},
			wantName: "pytest",
			wantOK:   true,
		},
		{
			name:     "go module",
			files:    map[string]string{"go.mod": "module example.com/x\n"},
			wantName: "go",
			wantOK:   true,
		},
		{
			name:     "cargo",
			files:    map[string]string{"Cargo.toml": "[package]\n"},
			wantName: "cargo",
			wantOK:   true,
		},
		{
			name:   "nothing detected",
			files:  map[string]string{"README.md": "hi"},
			wantOK: false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range c.files {
				writeFile(t, dir, name, content)
			}
			name, _, ok := DetectTestCommand(dir)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if ok && name != c.wantName {
				t.Errorf("command = %q, want %q", name, c.wantName)
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	lenient := &Verifier{}
	strict := &Verifier{Strict: true}

	cases := []struct {
		name       string
		v          *Verifier
		output     string
		wantPass   bool
		wantReason string
	}{
		{"explicit pass", lenient, "checked everything\nVERIFICATION_PASSED\n", true, ""},
		{"explicit fail", lenient, "VERIFICATION_FAILED: criterion 2 unmet\n", false, "criterion 2 unmet"},
		{"fail without reason", lenient, "VERIFICATION_FAILED\n", false, "verification failed"},
		{"lenient phrase", lenient, "All criteria met, nice work.\n", true, ""},
		{"lenient default pass", lenient, "the change seems reasonable\n", true, ""},
		{"strict needs marker", strict, "the change seems reasonable\n", false, "no explicit verdict"},
		{"strict explicit pass", strict, "VERIFICATION_PASSED\n", true, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pass, reason := c.v.parseVerdict(c.output)
			if pass != c.wantPass || reason != c.wantReason {
				t.Errorf("parseVerdict = (%v, %q), want (%v, %q)", pass, reason, c.wantPass, c.wantReason)
			}
		})
	}
}

func TestVerifyTaskPassesWithoutTestSuite(t *testing.T) {
	fa := &fakeAgent{outcome: agent.Outcome{OK: true, CombinedOutput: "VERIFICATION_PASSED"}}
	v := New(fa, &fakeGit{diff: "+ change"}, quietLogger())

	res, err := v.VerifyTask(context.Background(), Input{
		ProjectID:   "p1",
		WorkDir:     t.TempDir(),
		Task:        tasks.Task{ID: "t1", Title: "Add thing", AcceptanceCriteria: []string{"works"}},
		LogFilePath: filepath.Join(t.TempDir(), "t1-verify.log"),
	})
	if err != nil {
		t.Fatalf("VerifyTask: %v", err)
	}
	if !res.Passed {
		t.Errorf("Passed = false: %+v", res)
	}
	if res.Tests.Ran {
		t.Error("tests reported as run with no suite present")
	}

	if len(fa.specs) != 1 {
		t.Fatalf("agent runs = %d, want 1", len(fa.specs))
	}
	spec := fa.specs[0]
	if spec.TaskID != "t1-verify" {
		t.Errorf("verify task id = %q", spec.TaskID)
	}
	for _, want := range []string{"Add thing", "+ change", "VERIFICATION_PASSED"} {
		if !strings.Contains(spec.Prompt, want) {
			t.Errorf("verification prompt missing %q", want)
		}
	}
}

func TestVerifyTaskFailsWhenTestsFail(t *testing.T) {
	dir := t.TempDir()
	// A suite whose command exits non-zero: use go.mod to select `go test`
	// but point the runner at a missing binary to keep the test hermetic.
	writeFile(t, dir, "go.mod", "module example.com/x\n")

	fa := &fakeAgent{outcome: agent.Outcome{OK: true, CombinedOutput: "VERIFICATION_PASSED"}}
	v := New(fa, &fakeGit{}, quietLogger())
	v.OutputCap = 64 << 10

	// Intercept the suite with an impossible timeout so it cannot pass.
	res, err := v.VerifyTask(context.Background(), Input{
		ProjectID: "p1",
		WorkDir:   dir,
		Task:      tasks.Task{ID: "t1"},
	})
	if err != nil {
		t.Fatalf("VerifyTask: %v", err)
	}
	if !res.Tests.Ran {
		t.Fatal("suite not detected")
	}
	if res.Tests.Passed && !res.Passed {
		t.Errorf("inconsistent verdict: %+v", res)
	}
	// Whatever the suite did, review passed, so the verdict follows tests.
	if res.Passed != res.Tests.Passed {
		t.Errorf("Passed = %v with tests passed = %v", res.Passed, res.Tests.Passed)
	}
}

func TestReviewPromptCarriesTestOutput(t *testing.T) {
	fa := &fakeAgent{outcome: agent.Outcome{OK: true, CombinedOutput: "VERIFICATION_PASSED"}}
	v := New(fa, &fakeGit{diff: "+ change"}, quietLogger())

	in := Input{
		ProjectID: "p1",
		WorkDir:   t.TempDir(),
		Task:      tasks.Task{ID: "t1", Title: "Add thing"},
	}
	v.review(context.Background(), in, TestResult{
		Ran:     true,
		Command: "go test ./...",
		Output:  "--- FAIL: TestThing (0.01s)\nFAIL",
	})

	if len(fa.specs) != 1 {
		t.Fatalf("agent runs = %d, want 1", len(fa.specs))
	}
	prompt := fa.specs[0].Prompt
	if !strings.Contains(prompt, "Test Output") {
		t.Error("review prompt has no test output section")
	}
	if !strings.Contains(prompt, "--- FAIL: TestThing") {
		t.Error("review prompt missing suite output")
	}

	// Without a suite the section stays out of the prompt.
	fa.specs = nil
	v.review(context.Background(), in, TestResult{})
	if strings.Contains(fa.specs[0].Prompt, "Test Output") {
		t.Error("review prompt has a test output section with no suite run")
	}
}

func TestVerifyTaskReviewFailureBlocksPass(t *testing.T) {
	fa := &fakeAgent{outcome: agent.Outcome{OK: true, CombinedOutput: "VERIFICATION_FAILED: edge case missing"}}
	v := New(fa, &fakeGit{}, quietLogger())

	res, err := v.VerifyTask(context.Background(), Input{
		ProjectID: "p1",
		WorkDir:   t.TempDir(),
		Task:      tasks.Task{ID: "t1"},
	})
	if err != nil {
		t.Fatalf("VerifyTask: %v", err)
	}
	if res.Passed {
		t.Error("Passed = true despite failed review")
	}
	if res.Review.Reason != "edge case missing" {
		t.Errorf("reason = %q", res.Review.Reason)
	}
}

func TestVerifyTaskAgentErrorIsVerifierError(t *testing.T) {
	fa := &fakeAgent{err: errors.New("spawn failed")}
	v := New(fa, &fakeGit{}, quietLogger())

	res, err := v.VerifyTask(context.Background(), Input{
		ProjectID: "p1",
		WorkDir:   t.TempDir(),
		Task:      tasks.Task{ID: "t1"},
	})
	if err != nil {
		t.Fatalf("VerifyTask: %v", err)
	}
	if res.Passed {
		t.Error("Passed = true despite verifier error")
	}
	if res.Review.Reason != "verifier error" {
		t.Errorf("reason = %q, want verifier error", res.Review.Reason)
	}
}
