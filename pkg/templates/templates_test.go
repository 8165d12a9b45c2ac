package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// chdirTemp switches to a temp directory so relative override paths resolve there.
func chdirTemp(t *testing.T) string {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Failed to chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })
	return tmpDir
}

func TestGetTemplate_BuiltIn(t *testing.T) {
	chdirTemp(t)

	content, err := GetTemplate(NginxCanary)
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if !strings.Contains(content, "split_clients") {
		t.Errorf("Expected built-in template to contain split_clients, got %q", content)
	}
}

func TestGetTemplate_Override(t *testing.T) {
	tmpDir := chdirTemp(t)

	templatesDir := filepath.Join(tmpDir, "templates")
	if err := os.MkdirAll(templatesDir, 0755); err != nil {
		t.Fatalf("Failed to create templates directory: %v", err)
	}
	override := "# custom {{.Site}}\n"
	if err := os.WriteFile(filepath.Join(templatesDir, "nginx-canary.template"), []byte(override), 0644); err != nil {
		t.Fatalf("Failed to write override: %v", err)
	}

	content, err := GetTemplate(NginxCanary)
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if content != override {
		t.Errorf("Expected override content, got %q", content)
	}
}

func TestGetTemplate_Unknown(t *testing.T) {
	if _, err := GetTemplate("systemd-service"); err == nil {
		t.Error("GetTemplate() should fail for unknown template")
	}
}

func TestRenderNginxCanary(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name        string
		route       CanaryRoute
		contains    []string
		notContains []string
	}{
		{
			name: "enabled",
			route: CanaryRoute{
				Site:           "example-com",
				Enabled:        true,
				Percent:        10,
				CanaryRoot:     "/var/www/example/canary",
				ProductionRoot: "/var/www/example/production",
			},
			contains: []string{
				"$canarybox_example_com {",
				"10% canary;",
				"canary     /var/www/example/canary;",
				"production /var/www/example/production;",
			},
		},
		{
			name: "disabled",
			route: CanaryRoute{
				Site:           "example",
				Enabled:        false,
				Percent:        10,
				CanaryRoot:     "/var/www/example/canary",
				ProductionRoot: "/var/www/example/production",
			},
			contains:    []string{"*   production;"},
			notContains: []string{"10% canary;"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderNginxCanary(tt.route)
			if err != nil {
				t.Fatalf("RenderNginxCanary() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Expected output to contain %q, got:\n%s", want, got)
				}
			}
			for _, unwanted := range tt.notContains {
				if strings.Contains(got, unwanted) {
					t.Errorf("Expected output not to contain %q, got:\n%s", unwanted, got)
				}
			}
		})
	}
}
