package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func testPrompter(input string, tty bool, password string) *prompter {
	return &prompter{
		in:         bufio.NewReader(strings.NewReader(input)),
		out:        &bytes.Buffer{},
		isTerminal: func(int) bool { return tty },
		readPassword: func(int) ([]byte, error) {
			return []byte(password), nil
		},
	}
}

func TestPrompter_Line(t *testing.T) {
	t.Parallel()

	p := testPrompter("  amira  \n", false, "")
	got, err := p.line("Username: ")
	if err != nil {
		t.Fatalf("line: %v", err)
	}
	if got != "amira" {
		t.Fatalf("line=%q want amira", got)
	}
}

func TestPrompter_LineWithoutTrailingNewline(t *testing.T) {
	t.Parallel()

	p := testPrompter("amira", false, "")
	got, err := p.line("Username: ")
	if err != nil {
		t.Fatalf("line: %v", err)
	}
	if got != "amira" {
		t.Fatalf("line=%q want amira", got)
	}
}

func TestPrompter_LineEmptyRejected(t *testing.T) {
	t.Parallel()

	p := testPrompter("\n", false, "")
	if _, err := p.line("Username: "); err == nil {
		t.Fatalf("expected error on empty input")
	}
}

func TestPrompter_SecretUsesTerminalReader(t *testing.T) {
	t.Parallel()

	p := testPrompter("", true, "hunter2")
	got, err := p.secret("Password: ")
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("secret=%q want hunter2", got)
	}
}

func TestPrompter_SecretFallsBackToPipe(t *testing.T) {
	t.Parallel()

	p := testPrompter("piped-pw\n", false, "ignored")
	got, err := p.secret("Password: ")
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if got != "piped-pw" {
		t.Fatalf("secret=%q want piped-pw", got)
	}
}
