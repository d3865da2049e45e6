package conifer

import (
	"errors"
	"fmt"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("INIT_PAGE_TABLES", ErrCodeRegionConflict, "code section already mapped")

	if err.Op != "INIT_PAGE_TABLES" {
		t.Errorf("Op = %s", err.Op)
	}
	if err.Code != ErrCodeRegionConflict {
		t.Errorf("Code = %s", err.Code)
	}
	expected := "conifer: code section already mapped (op=INIT_PAGE_TABLES)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestTaskError(t *testing.T) {
	err := NewTaskError("CREATE_TASK", "shell", ErrCodeOutOfMemory, "no room for user stack")
	if err.Task != "shell" {
		t.Errorf("Task = %s", err.Task)
	}
	expected := "conifer: no room for user stack (op=CREATE_TASK task=shell)"
	if err.Error() != expected {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrapError(t *testing.T) {
	if WrapError("X", nil) != nil {
		t.Error("wrapping nil should stay nil")
	}

	inner := fmt.Errorf("mmu: out of physical pages")
	wrapped := WrapError("ALLOCATE_PAGES", inner)
	if wrapped.Code != ErrCodeOutOfMemory {
		t.Errorf("Code = %s, want out of memory", wrapped.Code)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapped error lost the inner error")
	}

	// Re-wrapping keeps the category and inner error, updates the op.
	rewrapped := WrapError("BOOT", wrapped)
	if rewrapped.Op != "BOOT" || rewrapped.Code != ErrCodeOutOfMemory {
		t.Errorf("rewrapped = op=%s code=%s", rewrapped.Op, rewrapped.Code)
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError("X", ErrCodeHalted, "stopped"))
	if !IsCode(err, ErrCodeHalted) {
		t.Error("IsCode failed through wrapping")
	}
	if IsCode(err, ErrCodeOutOfMemory) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), ErrCodeHalted) {
		t.Error("IsCode matched a plain error")
	}
}
