package task

import (
	"errors"
	"testing"

	"github.com/mpernot/ordo/internal/storage/dirstore"
)

func TestFileStoreCreateGet(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	tk := &Task{
		Title:   "survey repository layout",
		Request: Request{Instructions: "list the packages and their roles"},
		Scope:   []string{"session:discovery/**"},
		Budget:  2000,
	}
	if err := fs.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tk.ID == "" {
		t.Fatal("Create did not assign an ID")
	}
	if tk.Status != StatusPending || tk.Priority != PriorityNormal {
		t.Errorf("defaults: status=%s priority=%s", tk.Status, tk.Priority)
	}

	got, err := fs.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != tk.Title || got.Budget != 2000 {
		t.Errorf("roundtrip: %+v", got)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	_, err := fs.Get("task_missing")
	if !errors.Is(err, dirstore.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreListFilters(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	for _, tk := range []*Task{
		{Title: "a", SessionID: "s1", Status: StatusSucceeded},
		{Title: "b", SessionID: "s1", Status: StatusPending},
		{Title: "c", SessionID: "s2", Status: StatusPending},
	} {
		if err := fs.Create(tk); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pending, err := fs.List(ListFilter{Status: StatusPending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending: got %d, want 2", len(pending))
	}

	s1, err := fs.List(ListFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(s1) != 2 {
		t.Errorf("session filter: got %d, want 2", len(s1))
	}
}

func TestFileStoreCheckpointsAndOutput(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	tk := &Task{Title: "generate draft"}
	if err := fs.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, summary := range []string{"outline done", "sections drafted"} {
		if err := fs.AppendCheckpoint(tk.ID, Checkpoint{Summary: summary}); err != nil {
			t.Fatalf("AppendCheckpoint: %v", err)
		}
	}
	cps, err := fs.LoadCheckpoints(tk.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoints: %v", err)
	}
	if len(cps) != 2 || cps[1].Summary != "sections drafted" {
		t.Errorf("checkpoints: %+v", cps)
	}

	if err := fs.WriteOutput(tk.ID, "# Draft\n"); err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	out, err := fs.ReadOutput(tk.ID)
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if out != "# Draft\n" {
		t.Errorf("output: %q", out)
	}
}

func TestFileStoreUpdateDelete(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	tk := &Task{Title: "x"}
	if err := fs.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tk.Status = StatusSucceeded
	tk.Result = &Result{Confidence: 0.9, TokensUsed: 120}
	if err := fs.Update(tk); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := fs.Get(tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Result == nil || got.Result.TokensUsed != 120 {
		t.Errorf("updated task: %+v", got)
	}

	if err := fs.Delete(tk.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fs.Get(tk.ID); err == nil {
		t.Error("expected error after Delete")
	}
}
