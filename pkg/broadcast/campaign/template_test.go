package campaign

import "testing"

func TestRender(t *testing.T) {
	contact := Contact{ID: "c1", Name: "Asha", Phone: "919876543210"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"name placeholder", "Hi {name}!", "Hi Asha!"},
		{"phone placeholder", "Sent to {phone}", "Sent to 919876543210"},
		{"both placeholders", "{name} <{phone}>", "Asha <919876543210>"},
		{"repeated placeholder", "{name} {name}", "Asha Asha"},
		{"unknown placeholder passes through", "Hi {title} {name}", "Hi {title} Asha"},
		{"no placeholders", "plain text", "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, contact); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}
