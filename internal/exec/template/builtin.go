package template

// builtins are the templates every deployment starts with: read-only git and
// filesystem inspection plus a couple of safe produce/fetch commands. All of
// them auto-approve except git_commit, which mutates the repository.
func builtins() []*Template {
	maxLine := 200
	return []*Template{
		{
			ID:             "git_status",
			Argv:           []string{"git", "status", "--porcelain"},
			Classification: ClassSafe,
			AutoApprove:    true,
			Description:    "working tree status, machine readable",
		},
		{
			ID:   "git_log",
			Argv: []string{"git", "log", "--oneline", "-n", "{count}"},
			Params: []ParamSpec{
				{Name: "count", Type: TypeNumber, Default: "20", HasDefault: true, Min: f(1), Max: f(500)},
			},
			Classification: ClassSafe,
			AutoApprove:    true,
			Description:    "recent commits, one line each",
		},
		{
			ID:   "git_diff",
			Argv: []string{"git", "diff", "{ref}"},
			Params: []ParamSpec{
				{Name: "ref", Type: TypeString, MaxLength: 100, Pattern: `^[A-Za-z0-9_./~^-]+$`},
			},
			Classification: ClassSafe,
			AutoApprove:    true,
			Description:    "diff against a ref; bare 'git diff' when ref omitted",
		},
		{
			ID:   "git_commit",
			Argv: []string{"git", "commit", "-m", "{message}"},
			Params: []ParamSpec{
				{Name: "message", Type: TypeString, Required: true, MaxLength: 1000},
			},
			Classification: ClassSensitive,
			Description:    "commit staged changes with a message",
		},
		{
			ID:   "ls",
			Argv: []string{"ls", "-la", "{dir}"},
			Params: []ParamSpec{
				{Name: "dir", Type: TypePath, Default: ".", HasDefault: true, MaxLength: maxLine},
			},
			Classification: ClassSafe,
			AutoApprove:    true,
		},
		{
			ID:   "cat_file",
			Argv: []string{"cat", "{file}"},
			Params: []ParamSpec{
				{Name: "file", Type: TypePath, Required: true, MaxLength: maxLine},
			},
			Classification: ClassSafe,
			AutoApprove:    true,
		},
		{
			ID:   "grep_file",
			Argv: []string{"grep", "-n", "{pattern}", "{file}"},
			Params: []ParamSpec{
				{Name: "pattern", Type: TypeString, Required: true, MaxLength: maxLine},
				{Name: "file", Type: TypePath, Required: true, MaxLength: maxLine},
			},
			Classification: ClassSafe,
			AutoApprove:    true,
		},
		{
			ID:   "echo_text",
			Argv: []string{"echo", "{text}"},
			Params: []ParamSpec{
				{Name: "text", Type: TypeString, Required: true, MaxLength: 1000},
			},
			Classification: ClassSafe,
			AutoApprove:    true,
		},
		{
			ID:   "http_get",
			Argv: []string{"curl", "-sS", "--max-time", "30", "{url}"},
			Params: []ParamSpec{
				{Name: "url", Type: TypeURL, Required: true, MaxLength: 2000},
			},
			Classification: ClassSensitive,
			Description:    "fetch a URL; sensitive because it reaches the network",
		},
	}
}

func f(v float64) *float64 { return &v }
