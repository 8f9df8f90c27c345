package main

import (
	"errors"
	"testing"

	"lectern/internal/arbiter"
	"lectern/internal/directory"
)

func TestDecisionErr(t *testing.T) {
	t.Parallel()

	err := decisionErr(directory.StatusRejected)
	if !errors.Is(err, arbiter.ErrRequestRejected) {
		t.Fatalf("rejection must surface arbiter.ErrRequestRejected, got %v", err)
	}

	if err := decisionErr(directory.StatusApproved); err != nil {
		t.Fatalf("approval must not error, got %v", err)
	}
}
