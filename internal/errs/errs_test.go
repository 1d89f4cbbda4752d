package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Storage("Failed to create page.", cause)

	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage kind, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("storage error must not match not found")
	}
}

func TestMessageHidesInternalErrors(t *testing.T) {
	if got := Message(errors.New("pq: relation does not exist"), "Failed to join project."); got != "Failed to join project." {
		t.Fatalf("expected fallback message, got %q", got)
	}
	wrapped := fmt.Errorf("handler: %w", PermissionDenied("Only owners or editors can create pages."))
	if got := Message(wrapped, "fallback"); got != "Only owners or editors can create pages." {
		t.Fatalf("expected permission message, got %q", got)
	}
}
