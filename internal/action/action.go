// Package action adapts the process to the GitHub Actions runtime: it
// reads the step's inputs and workflow context from the environment and
// publishes step outputs.
package action

import (
	"os"
	"strconv"
	"strings"

	"github.com/sethvargo/go-githubactions"

	"github.com/terrpan/slabrunner/internal/lifecycle"
)

// Output names published after a successful start.
const (
	OutputLabel      = "label"
	OutputRunnerID   = "runner-id"
	OutputInstanceID = "instance-id"
)

// Inputs are the raw step inputs.  Empty strings mean "not provided".
type Inputs struct {
	Mode             string
	GitHubToken      string
	SlabURL          string
	JobSecret        string
	Backend          string
	Profile          string
	Region           string
	ImageID          string
	InstanceType     string
	SubnetID         string
	SecurityGroupIDs []string
	CreateWatchdog   string
	Label            string
	RunnerID         string
}

// Context is the subset of the workflow context the runner needs.
type Context struct {
	Repository string
	SHA        string
	Ref        string
	APIURL     string
}

// Action wraps the Actions toolkit.
type Action struct {
	gha    *githubactions.Action
	getenv func(string) string
}

// New returns an Action reading from getenv (os.Getenv when nil).
// Extra toolkit options, such as a custom writer, are passed through.
func New(getenv func(string) string, opts ...githubactions.Option) *Action {
	if getenv == nil {
		getenv = os.Getenv
	}
	opts = append([]githubactions.Option{githubactions.WithGetenv(getenv)}, opts...)
	return &Action{gha: githubactions.New(opts...), getenv: getenv}
}

// Running reports whether the process runs as a workflow step.
func (a *Action) Running() bool {
	return a.getenv("GITHUB_ACTIONS") == "true"
}

// Inputs reads every supported input.  Secrets are masked in the log.
func (a *Action) Inputs() Inputs {
	in := Inputs{
		Mode:           strings.ToLower(a.gha.GetInput("mode")),
		GitHubToken:    a.gha.GetInput("github-token"),
		SlabURL:        a.gha.GetInput("slab-url"),
		JobSecret:      a.gha.GetInput("job-secret"),
		Backend:        strings.ToLower(a.gha.GetInput("backend")),
		Profile:        strings.ToLower(a.gha.GetInput("profile")),
		Region:         a.gha.GetInput("region"),
		ImageID:        a.gha.GetInput("image-id"),
		InstanceType:   a.gha.GetInput("instance-type"),
		SubnetID:       a.gha.GetInput("subnet-id"),
		CreateWatchdog: a.gha.GetInput("create-watchdog"),
		Label:          a.gha.GetInput("label"),
		RunnerID:       a.gha.GetInput("runner-id"),
	}
	if sg := a.gha.GetInput("security-group-ids"); sg != "" {
		in.SecurityGroupIDs = strings.FieldsFunc(sg, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' })
	}
	if in.GitHubToken != "" {
		a.gha.AddMask(in.GitHubToken)
	}
	if in.JobSecret != "" {
		a.gha.AddMask(in.JobSecret)
	}
	return in
}

// Context returns the workflow's repository, commit and ref.
func (a *Action) Context() (Context, error) {
	c, err := a.gha.Context()
	if err != nil {
		return Context{}, err
	}
	return Context{
		Repository: c.Repository,
		SHA:        c.SHA,
		Ref:        c.Ref,
		APIURL:     c.APIURL,
	}, nil
}

// SetStartOutputs publishes the runner identity for later jobs.
func (a *Action) SetStartOutputs(out *lifecycle.Outputs) {
	a.gha.SetOutput(OutputLabel, out.Label)
	if out.RunnerID != 0 {
		a.gha.SetOutput(OutputRunnerID, strconv.FormatInt(out.RunnerID, 10))
	}
	if out.InstanceID != "" {
		a.gha.SetOutput(OutputInstanceID, out.InstanceID)
	}
}

// Fail marks the step failed with msg without exiting the process.
func (a *Action) Fail(msg string) {
	a.gha.Errorf("%s", msg)
}
