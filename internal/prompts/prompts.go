package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.md
var templateFS embed.FS

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// OtherTask is a status-tagged sibling task listed for context.
type OtherTask struct {
	Title  string
	Status string
}

// ExecutionData holds the context for rendering a task execution prompt.
type ExecutionData struct {
	ProjectName        string
	ProductBrief       string
	SolutionBrief      string
	TaskTitle          string
	TaskDescription    string
	AcceptanceCriteria []string
	OtherTasks         []OtherTask
}

// RenderExecution renders the prompt handed to the agent for one task run.
func RenderExecution(data ExecutionData) (string, error) {
	return render("templates/execution.md", data)
}

// VerificationData holds the context for rendering a self-review prompt.
type VerificationData struct {
	TaskTitle          string
	TaskDescription    string
	AcceptanceCriteria []string
	Diff               string
	TestsRan           bool
	TestOutput         string
}

// RenderVerification renders the prompt for the verification agent pass.
func RenderVerification(data VerificationData) (string, error) {
	return render("templates/verification.md", data)
}

func render(name string, data any) (string, error) {
	content, err := templateFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("reading template %s: %w", name, err)
	}

	tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}

	return buf.String(), nil
}
