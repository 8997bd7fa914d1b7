//go:build linux

package engine

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/model"
	"contestjudge/internal/judge/sandbox"
)

func TestGradeWithProcessSandbox(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	provider, err := sandbox.NewProcessProvider(sandbox.ProcessConfig{WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewProcessProvider() error = %v", err)
	}
	resolver, err := language.NewResolver(language.Row{Language: "shell", SourceFile: "main.sh", Command: "sh {src}"})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	const source = `read n
if [ "$n" = "boom" ]; then echo "bad input" >&2; exit 2; fi
echo $((n * 2))
`
	tests := []struct {
		name string
		tcs  []model.TestCase
		want model.Verdict
	}{
		{
			name: "accepted",
			tcs:  cases("1", "2", "21", "42"),
			want: model.Verdict{Status: model.StatusAccepted, TestCasesPassed: 2, TotalTestCases: 2},
		},
		{
			name: "wrong answer",
			tcs:  cases("1", "2", "3", "7"),
			want: model.Verdict{Status: model.StatusWrongAnswer, TestCasesPassed: 1, TotalTestCases: 2, Input: "3", Output: "6", Expected: "7"},
		},
		{
			name: "runtime error",
			tcs:  cases("boom", "0", "1", "2"),
			want: model.Verdict{Status: model.StatusRuntimeError, TotalTestCases: 2, Input: "boom", Output: "bad input\n", Expected: "0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(provider, resolver, nil)
			v := e.Grade(context.Background(), GradingContext{
				UserID:     "u1",
				SourceCode: source,
				Language:   "shell",
				TestCases:  tt.tcs,
				TimeLimit:  5 * time.Second,
			})
			if v != tt.want {
				t.Fatalf("verdict = %+v, want %+v", v, tt.want)
			}
		})
	}
}

func newShellEngine(t *testing.T, cfg sandbox.ProcessConfig) *Engine {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg.WorkRoot = t.TempDir()
	provider, err := sandbox.NewProcessProvider(cfg)
	if err != nil {
		t.Fatalf("NewProcessProvider() error = %v", err)
	}
	resolver, err := language.NewResolver(language.Row{Language: "shell", SourceFile: "main.sh", Command: "sh {src}"})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return New(provider, resolver, nil)
}

func TestGradeTruncatedOutputIsWrongAnswer(t *testing.T) {
	e := newShellEngine(t, sandbox.ProcessConfig{OutputLimitBytes: 8})
	v := e.Grade(context.Background(), GradingContext{
		UserID:     "u1",
		SourceCode: "read n\necho 12345678GARBAGE\n",
		Language:   "shell",
		TestCases:  cases("1", "12345678"),
		TimeLimit:  5 * time.Second,
	})
	want := model.Verdict{Status: model.StatusWrongAnswer, TotalTestCases: 1, Input: "1", Output: "12345678", Expected: "12345678"}
	if v != want {
		t.Fatalf("verdict = %+v, want %+v", v, want)
	}
}

func TestGradeOutlivesCallerCancel(t *testing.T) {
	e := newShellEngine(t, sandbox.ProcessConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	v := e.Grade(ctx, GradingContext{
		UserID:     "u1",
		SourceCode: "read n\nsleep 0.5\necho $((n * 2))\n",
		Language:   "shell",
		TestCases:  cases("2", "4"),
		TimeLimit:  5 * time.Second,
	})
	if v.Status != model.StatusAccepted || v.TestCasesPassed != 1 {
		t.Fatalf("verdict = %+v, want ACCEPTED", v)
	}
}
