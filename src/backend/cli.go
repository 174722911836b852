package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/hannes/piibridge/src/backend/pii"
)

var (
	exitPhrases = []string{"goodbye", "bye", "good bye", "see you", "αντίο"}

	chatbotPrompts = []string{
		"What is your name?",
		"I need your credit card number to make this purchase",
		"What email address should I send this to?",
		"Tell me about yourself",
		"What number should they call you at?",
		"Where do you live?",
		"What is your blood type?",
		"What IP address are you connected from?",
	}

	promptColor = color.New(color.FgCyan)
	outputColor = color.New(color.FgGreen)
	errorColor  = color.New(color.FgRed, color.Bold)
)

// redacter is the part of the pipeline the console needs.
type redacter interface {
	Redact(ctx context.Context, req pii.RedactRequest) (pii.RedactResponse, error)
	Languages() []string
}

// console is the interactive chat loop.
type console struct {
	pipeline redacter
	in       *bufio.Scanner
	out      io.Writer
	rng      *rand.Rand
}

func newConsole(p redacter, in io.Reader, out io.Writer, rng *rand.Rand) *console {
	return &console{pipeline: p, in: bufio.NewScanner(in), out: out, rng: rng}
}

// isExitPhrase reports whether line ends the conversation.
func isExitPhrase(line string) bool {
	return slices.Contains(exitPhrases, strings.ToLower(strings.TrimSpace(line)))
}

// chooseLanguage asks for a language until a supported one is given.
func (c *console) chooseLanguage() (string, error) {
	for {
		promptColor.Fprint(c.out, "Choose language:\n  1) Greek\n  2) English\n> ") //nolint:errcheck
		if !c.in.Scan() {
			return "", io.EOF
		}
		lang := pii.ParseLanguage(c.in.Text())
		if slices.Contains(c.pipeline.Languages(), lang) {
			return lang, nil
		}
		errorColor.Fprintln(c.out, "Language not supported") //nolint:errcheck
	}
}

// run reads lines until an exit phrase or end of input and prints each one
// redacted.
func (c *console) run(ctx context.Context) error {
	lang, err := c.chooseLanguage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	for {
		promptColor.Fprintf(c.out, "%s: ", chatbotPrompts[c.rng.Intn(len(chatbotPrompts))]) //nolint:errcheck
		if !c.in.Scan() {
			return c.in.Err()
		}
		line := c.in.Text()
		if isExitPhrase(line) {
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		resp, err := c.pipeline.Redact(ctx, pii.RedactRequest{Language: lang, Text: line})
		if err != nil {
			errorColor.Fprintf(c.out, "error: %v\n", err) //nolint:errcheck
			continue
		}
		outputColor.Fprintln(c.out, resp.AnonymizedText) //nolint:errcheck
	}
}
