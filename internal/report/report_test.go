package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kdrag0n/cbackup/internal/logging"
	"github.com/kdrag0n/cbackup/internal/types"
)

func TestSummaryOk(t *testing.T) {
	var s Summary
	if !s.Ok() {
		t.Error("empty summary should be ok")
	}

	s.Add(AppResult{Package: "com.example.a", Outcome: OutcomeCompleted})
	if !s.Ok() {
		t.Error("all-completed summary should be ok")
	}

	s.Add(AppResult{Package: "com.example.b", Outcome: OutcomeFailed, Err: errors.New("boom")})
	if s.Ok() {
		t.Error("summary with a failure should not be ok")
	}
	if s.FailedCount() != 1 {
		t.Errorf("FailedCount() = %d, want 1", s.FailedCount())
	}
}

func TestSummaryWarningsDoNotFail(t *testing.T) {
	var s Summary
	s.Add(AppResult{
		Package:  "com.example.a",
		Outcome:  OutcomeCompleted,
		Warnings: []string{"device ID takes effect after reboot"},
	})
	if !s.Ok() {
		t.Error("warnings on a completed app should not fail the run")
	}
}

func TestSummaryPrint(t *testing.T) {
	var s Summary
	s.Add(AppResult{Package: "com.example.good", Outcome: OutcomeCompleted})
	s.Add(AppResult{
		Package:  "com.example.noisy",
		Outcome:  OutcomeCompleted,
		Warnings: []string{"could not grant android.permission.CAMERA"},
	})
	s.Add(AppResult{
		Package: "com.example.bad",
		Outcome: OutcomeInstallFailed,
		Err:     errors.New("session commit rejected"),
	})
	s.AddDeferred("1 of 3 apps did not restore cleanly")

	var buf bytes.Buffer
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(&buf)
	s.Print(logger)

	out := buf.String()
	for _, want := range []string{
		"2/3 apps completed",
		"com.example.noisy: Completed with warnings",
		"could not grant android.permission.CAMERA",
		"com.example.bad: Install Failed",
		"session commit rejected",
		"1 of 3 apps did not restore cleanly",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary output missing %q\noutput:\n%s", want, out)
		}
	}
}

func TestSummaryPrintNilLogger(t *testing.T) {
	var s Summary
	s.Add(AppResult{Package: "com.example.a", Outcome: OutcomeCompleted})
	s.Print(nil)
}
