package recovery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_SaveAndLoadRun_EndTimeNullable(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	run := Run{
		RunID:     "run-123",
		StartTime: time.Unix(1, 2).UTC(),
		Status:    RunStatusRunning,
		Cells:     12,
	}
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(base, ".trimsweep", "runs", "run-123", "run.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "\"end_time\": null") {
		t.Fatalf("expected end_time to be null; got: %s", string(data))
	}

	loaded, err := store.LoadRun("run-123")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.RunID != run.RunID || loaded.Cells != 12 || loaded.EndTime != nil {
		t.Fatalf("loaded run mismatch: %+v", loaded)
	}

	ids, err := store.ListRunIDs()
	if err != nil || len(ids) != 1 || ids[0] != "run-123" {
		t.Fatalf("ListRunIDs = %v, %v", ids, err)
	}
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.SaveRun(Run{RunID: "x", Status: "weird"}); err == nil {
		t.Fatalf("expected invalid run error")
	}
	if err := store.SaveFailure("x", Failure{FailureClass: FailureClassStage}); err == nil {
		t.Fatalf("expected invalid failure error")
	}
	if _, err := NewStore(" "); err == nil {
		t.Fatalf("expected error for empty base dir")
	}
}

func TestStore_FailuresPerCell(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	attempt := 3
	for _, cell := range []string{"MACH_0_70/CL_0_30", "MACH_0_60/CL_0_50"} {
		f := Failure{
			FailureClass: FailureClassStage,
			Cell:         cell,
			Attempt:      &attempt,
			ErrorCode:    "NonzeroExit",
			ErrorMessage: "stage solve failed (nonzero-exit): exit code 1",
		}
		if err := store.SaveFailure("run-9", f); err != nil {
			t.Fatalf("SaveFailure: %v", err)
		}
	}

	if _, err := os.Stat(filepath.Join(base, ".trimsweep", "runs", "run-9", "failures", "MACH_0_60--CL_0_50.json")); err != nil {
		t.Fatalf("expected flattened failure file: %v", err)
	}

	loaded, err := store.LoadFailure("run-9", "MACH_0_60/CL_0_50")
	if err != nil {
		t.Fatalf("LoadFailure: %v", err)
	}
	if loaded.Attempt == nil || *loaded.Attempt != 3 || loaded.Control != nil {
		t.Fatalf("loaded failure mismatch: %+v", loaded)
	}

	all, err := store.LoadFailures("run-9")
	if err != nil {
		t.Fatalf("LoadFailures: %v", err)
	}
	if len(all) != 2 || all[0].Cell != "MACH_0_60/CL_0_50" {
		t.Fatalf("unexpected failures: %+v", all)
	}

	none, err := store.LoadFailures("run-none")
	if err != nil || none != nil {
		t.Fatalf("expected no failures, got %v, %v", none, err)
	}
}

func TestRecorder_RunLifecycle(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &Recorder{Store: store, Now: func() time.Time { return start }}

	run, err := rec.StartRun(Run{ResultsDir: "Results", Cells: 4})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if len(run.RunID) != 36 || run.Status != RunStatusRunning || !run.StartTime.Equal(start) {
		t.Fatalf("unexpected started run: %+v", run)
	}

	rec.Now = func() time.Time { return start.Add(time.Hour) }
	run.Rows, run.Failed = 3, 1
	if _, err := rec.FinishRun(run, RunStatusCellsFailed); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	loaded, err := store.LoadRun(run.RunID)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.Status != RunStatusCellsFailed || loaded.EndTime == nil || !loaded.EndTime.Equal(start.Add(time.Hour)) || loaded.Failed != 1 {
		t.Fatalf("unexpected finished run: %+v", loaded)
	}
}
