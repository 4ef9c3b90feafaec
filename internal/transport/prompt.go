package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter lets an operator pick one of several candidate ports.
type Prompter interface {
	Interactive() bool
	Choose(candidates []Candidate) (string, error)
}

// TermPrompter prompts on a terminal. It is interactive only when in is a TTY.
type TermPrompter struct {
	In  *os.File
	Out io.Writer
}

// NewTermPrompter prompts on stdin and stderr.
func NewTermPrompter() *TermPrompter {
	return &TermPrompter{In: os.Stdin, Out: os.Stderr}
}

func (p *TermPrompter) Interactive() bool {
	return p.In != nil && term.IsTerminal(int(p.In.Fd()))
}

// Choose accepts a 1-based index or one of the listed paths.
func (p *TermPrompter) Choose(candidates []Candidate) (string, error) {
	fmt.Fprintln(p.Out, "Multiple serial ports found:")
	for i, c := range candidates {
		fmt.Fprintf(p.Out, "  %d) %s\n", i+1, c)
	}
	fmt.Fprint(p.Out, "Select port [1]: ")

	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading port selection: %w", err)
	}
	return pick(candidates, line)
}

func pick(candidates []Candidate, answer string) (string, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return candidates[0].Path, nil
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(candidates) {
			return "", fmt.Errorf("selection %d out of range 1-%d", n, len(candidates))
		}
		return candidates[n-1].Path, nil
	}
	for _, c := range candidates {
		if c.Path == answer {
			return c.Path, nil
		}
	}
	return "", fmt.Errorf("%q is not one of the listed ports", answer)
}
