package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter reads interactive input. The terminal probes are injectable so
// tests can exercise both the tty and the piped-input paths.
type prompter struct {
	in  *bufio.Reader
	out io.Writer

	stdinFD      int
	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)
}

func newPrompter() *prompter {
	return &prompter{
		in:           bufio.NewReader(os.Stdin),
		out:          os.Stderr,
		stdinFD:      int(os.Stdin.Fd()),
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// line prompts for one line of visible input.
func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)

	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty input")
	}
	return s, nil
}

// secret prompts without echo on a terminal; piped input falls back to a
// plain line read so scripting stays possible.
func (p *prompter) secret(prompt string) (string, error) {
	if !p.isTerminal(p.stdinFD) {
		return p.line(prompt)
	}

	fmt.Fprint(p.out, prompt)
	b, err := p.readPassword(p.stdinFD)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", errors.New("empty input")
	}
	return s, nil
}
