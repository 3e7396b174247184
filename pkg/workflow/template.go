package workflow

import (
	"strings"
	"text/template"
)

// TemplateData is exposed to step input templates.
type TemplateData struct {
	Input string
	Steps map[string]string
}

func checkTemplate(input string) error {
	_, err := template.New("input").Option("missingkey=zero").Parse(input)
	return err
}

// RenderInput expands a step input template with the workflow input and the
// results of completed steps.
func RenderInput(input string, workflowInput string, upstream map[string]string) (string, error) {
	tmpl, err := template.New("input").Option("missingkey=zero").Parse(input)
	if err != nil {
		return "", err
	}
	if upstream == nil {
		upstream = map[string]string{}
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, TemplateData{Input: workflowInput, Steps: upstream}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ReferencesSteps reports whether the template reads upstream results itself.
func ReferencesSteps(input string) bool {
	return strings.Contains(input, ".Steps")
}
