package runner

// ArgBuilder turns run options into the concrete command line for one
// external agent binary. Implementations are registered per agent kind so
// the same runner shape serves multiple CLIs.
type ArgBuilder interface {
	// Command returns the binary name or path to execute.
	Command() string
	// Build returns the ordered argument list for the run. Arguments are
	// escaped later by the spawn layer; builders return them raw.
	Build(opts RunOptions) []string
}

// ClaudeArgBuilder builds arguments for the Claude CLI in streaming JSON
// mode. Output arrives as one JSON object per line on stdout.
type ClaudeArgBuilder struct {
	// Binary overrides the executable name. Defaults to "claude".
	Binary string
	// ExtraArgs are appended after the generated arguments, for flags like
	// --allowedTools that vary per deployment.
	ExtraArgs []string
}

func (b *ClaudeArgBuilder) Command() string {
	if b.Binary != "" {
		return b.Binary
	}
	return "claude"
}

func (b *ClaudeArgBuilder) Build(opts RunOptions) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	args = append(args, b.ExtraArgs...)
	return args
}

// ExecArgBuilder runs an arbitrary binary with a fixed argument template.
// The prompt is appended as the final argument. Useful for agent CLIs that
// take the task on the command line and emit plain text.
type ExecArgBuilder struct {
	Binary string
	Args   []string
}

func (b *ExecArgBuilder) Command() string { return b.Binary }

func (b *ExecArgBuilder) Build(opts RunOptions) []string {
	args := make([]string, 0, len(b.Args)+1)
	args = append(args, b.Args...)
	args = append(args, opts.Prompt)
	return args
}
