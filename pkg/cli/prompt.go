// Package cli reads answers to setup questions from a terminal or any
// line-oriented input.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter writes questions to Out and reads one answer line per question
// from In. Once In is exhausted every question takes its default.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Reader
	done  bool
}

// DefaultPrompter is wired to the process's standard streams.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// Section starts a titled group of questions.
func (p *Prompter) Section(title string) {
	p.Printf("\n%s\n", title)
}

// Printf writes free text between questions.
func (p *Prompter) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// next returns the following answer line, trimmed. ok is false when the
// input has no more lines.
func (p *Prompter) next() (line string, ok bool) {
	if p.done {
		return "", false
	}
	if p.lines == nil {
		p.lines = bufio.NewReader(p.In)
	}
	s, err := p.lines.ReadString('\n')
	if err != nil {
		p.done = true
		if !errors.Is(err, io.EOF) || s == "" {
			return "", false
		}
	}
	return strings.TrimSpace(s), true
}

func (p *Prompter) question(text, def string) {
	if def == "" {
		p.Printf("%s: ", text)
		return
	}
	p.Printf("%s [%s]: ", text, def)
}

// Ask returns the typed answer, or def for a blank line.
func (p *Prompter) Ask(question, def string) string {
	p.question(question, def)
	if ans, _ := p.next(); ans != "" {
		return ans
	}
	return def
}

// AskSecret reads an answer without echo when In is a terminal, and as a
// plain line otherwise.
func (p *Prompter) AskSecret(question string) string {
	p.question(question, "")
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.Printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	ans, _ := p.next()
	return ans
}

// askUntil repeats question until parse accepts the answer, printing hint
// after each rejection. A blank answer is parsed as def. When the input runs
// out the parsed def is returned even if parse rejects it.
func askUntil[T any](p *Prompter, question, def, hint string, parse func(string) (T, bool)) T {
	for {
		p.question(question, def)
		ans, ok := p.next()
		if ans == "" {
			ans = def
		}
		v, valid := parse(ans)
		if valid || !ok {
			return v
		}
		p.Printf("  %s\n", hint)
	}
}

// AskInt asks for a positive integer, at most max when max is positive.
func (p *Prompter) AskInt(question string, def, max int) int {
	hint := "Please enter a positive number."
	if max > 0 {
		hint = fmt.Sprintf("Please enter a number between 1 and %d.", max)
	}
	return askUntil(p, question, strconv.Itoa(def), hint, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n > 0 && (max <= 0 || n <= max)
	})
}

// Choose lists options numbered from 1, marks the default and returns the
// picked option.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.Printf("%s\n", question)
	for i, opt := range options {
		mark := " "
		if i == defaultIdx {
			mark = ">"
		}
		p.Printf("%s %d) %s\n", mark, i+1, opt)
	}
	hint := fmt.Sprintf("Please enter a number between 1 and %d.", len(options))
	return askUntil(p, "Choice", strconv.Itoa(defaultIdx+1), hint, func(s string) (string, bool) {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(options) {
			return options[defaultIdx], false
		}
		return options[n-1], true
	})
}

// Confirm asks a yes or no question. Anything other than y, yes, n or no
// is asked again.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint, def := "y/N", "n"
	if defaultYes {
		hint, def = "Y/n", "y"
	}
	return askUntil(p, fmt.Sprintf("%s [%s]", question, hint), "", "Please answer y or n.", func(s string) (bool, bool) {
		switch strings.ToLower(s) {
		case "":
			return def == "y", true
		case "y", "yes":
			return true, true
		case "n", "no":
			return false, true
		}
		return defaultYes, false
	})
}
