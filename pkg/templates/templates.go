package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Template names
const (
	NginxCanary = "nginx-canary"
)

//go:embed defaults/*.template
var defaults embed.FS

// CanaryRoute is the data passed to the nginx-canary template.
type CanaryRoute struct {
	Site           string
	Variable       string
	Enabled        bool
	Percent        int
	CanaryRoot     string
	ProductionRoot string
}

// GetTemplatePaths returns the override search paths for templates
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "canarybox", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// An operator override is searched for first:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/canarybox/templates/<name>.template
// and the built-in copy is used when none exists.
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := defaults.ReadFile("defaults/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("built-in template missing: %s: %w", name, err)
	}
	return string(content), nil
}

// RenderWithGoTemplate renders a template using Go's text/template package.
func RenderWithGoTemplate(templateName string, data interface{}) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(templateName).Option("missingkey=error").Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// RenderNginxCanary renders the split_clients include for canary routing.
func RenderNginxCanary(route CanaryRoute) (string, error) {
	if route.Variable == "" {
		route.Variable = "canarybox_" + strings.ReplaceAll(route.Site, "-", "_")
	}
	return RenderWithGoTemplate(NginxCanary, route)
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	validNames := map[string]bool{
		NginxCanary: true,
	}
	return validNames[name]
}
