package queue

import (
	"errors"
	"testing"
)

func TestInitialStatus(t *testing.T) {
	cases := []struct {
		has  bool
		pred Status
		want Status
	}{
		{false, "", StatusQueued},
		{true, StatusQueued, StatusDeferred},
		{true, StatusDeferred, StatusDeferred},
		{true, StatusStarted, StatusDeferred},
		{true, StatusFinished, StatusQueued},
		{true, StatusFailed, StatusBlocked},
		{true, StatusBlocked, StatusBlocked},
	}
	for _, tc := range cases {
		if got := InitialStatus(tc.has, tc.pred); got != tc.want {
			t.Fatalf("InitialStatus(%v, %q)=%q, want %q", tc.has, tc.pred, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusFinished, StatusFailed, StatusBlocked} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusDeferred, StatusStarted} {
		if s.Terminal() || s.Done() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if !StatusFinished.Done() || StatusFailed.Done() {
		t.Fatalf("only finished is done")
	}
	if Status("paused").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}

func TestMetaValidate(t *testing.T) {
	valid := Meta{MetaRunNumber: "12", MetaBatch: "b-1", MetaOutcome: "exit:1", "host": "worker-a"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	for _, bad := range []Meta{
		{MetaRunNumber: ""},
		{MetaRunNumber: "1 2"},
		{"": "x"},
		{"two words": "x"},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestMetaRunNumber(t *testing.T) {
	if _, err := (Meta{}).RunNumber(); err == nil {
		t.Fatalf("expected error for missing runnumber")
	}
	got, err := Meta{MetaRunNumber: "9"}.RunNumber()
	if err != nil || got != "9" {
		t.Fatalf("RunNumber()=%q err=%v", got, err)
	}
}

func TestMetaMergeDoesNotAlias(t *testing.T) {
	base := Meta{"a": "1"}
	merged := base.Merge(Meta{"b": "2"})
	merged["a"] = "changed"
	if base["a"] != "1" || len(base) != 1 {
		t.Fatalf("merge mutated receiver: %v", base)
	}
}

func TestSubmissionPrepare(t *testing.T) {
	sub, err := Submission{Func: " run ", DependsOn: " abc "}.Prepare()
	if err != nil {
		t.Fatalf("Prepare() err=%v", err)
	}
	if sub.Queue != DefaultQueue || sub.Func != "run" || sub.DependsOn != "abc" || sub.Args == nil || sub.Meta == nil {
		t.Fatalf("unexpected normalized submission: %+v", sub)
	}

	_, err = Submission{}.Prepare()
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}

	_, err = Submission{Func: FuncRun, Meta: Meta{MetaRunNumber: ""}}.Prepare()
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError for bad meta, got %v", err)
	}
}
