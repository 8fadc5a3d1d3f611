package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks the user for secrets that were not configured.
type Prompter interface {
	Password(username string) (string, error)
	TOTP() (string, error)
}

// ErrNoTerminal is returned when input is needed but stdin is not interactive.
var ErrNoTerminal = errors.New("no interactive terminal")

// TerminalPrompter reads secrets from a terminal without echo.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

func (p *TerminalPrompter) Password(username string) (string, error) {
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoTerminal
	}
	fmt.Fprintf(p.Out, "Password for %s: ", username)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(p.Out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func (p *TerminalPrompter) TOTP() (string, error) {
	if !term.IsTerminal(int(p.In.Fd())) {
		return "", ErrNoTerminal
	}
	fmt.Fprint(p.Out, "2FA code: ")
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading 2FA code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
