package build

import (
	"fmt"
	"strings"
)

const (
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

// ScriptOptions controls how Script renders a job.
type ScriptOptions struct {
	Commands     []string
	Repository   Repository
	CheckoutPath string
	SkipSetup    bool

	// Color wraps each echoed command in ANSI green.
	Color bool
}

// Script renders the job's commands as a single shell subexpression, suitable
// as the one argument of `bash -c`. Every command is echoed with a "$ " prompt
// and aborts the whole script when it exits non-zero. Unless SkipSetup is set,
// the repository is cloned into the checkout path first.
func Script(opts ScriptOptions) string {
	lines := make([]string, len(opts.Commands))
	for i, cmd := range opts.Commands {
		prompt := "$ " + cmd
		if opts.Color {
			prompt = ansiGreen + prompt + ansiReset
		}
		lines[i] = fmt.Sprintf("echo '%s'; %s || exit 1;", prompt, cmd)
	}

	setup := ""
	if !opts.SkipSetup {
		setup = fmt.Sprintf("cd %s && git clone %s -b %s .;", opts.CheckoutPath, opts.Repository.URI, opts.Repository.Branch)
	}
	return "(" + setup + strings.Join(lines, "\n") + ")"
}
