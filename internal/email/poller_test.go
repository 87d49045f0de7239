package email

import (
	"strings"
	"testing"
)

func TestSenderContextKey(t *testing.T) {
	tests := []struct {
		name string
		from string
		want string
	}{
		{"bare address", "alice@example.com", "email-alice-example-com"},
		{"display name", "Alice Smith <alice@example.com>", "email-alice-example-com"},
		{"uppercase normalized", "ALICE@EXAMPLE.COM", "email-alice-example-com"},
		{"plus tag", "alice+tag@example.com", "email-alice-tag-example-com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SenderContextKey(tt.from); got != tt.want {
				t.Errorf("SenderContextKey(%q) = %q, want %q", tt.from, got, tt.want)
			}
		})
	}
}

func TestSenderContextKeyStable(t *testing.T) {
	a := SenderContextKey("Bob <bob@example.com>")
	b := SenderContextKey("bob@example.com")
	if a != b {
		t.Errorf("same address produced different context keys: %q vs %q", a, b)
	}
}

func TestFormatPrompt(t *testing.T) {
	prompt := FormatPrompt(Email{
		From:    "alice@example.com",
		Subject: "[Claw] help",
		Body:    "What is the weather?",
	})

	for _, want := range []string{
		"<from>alice@example.com</from>",
		"<subject>[Claw] help</subject>",
		"What is the weather?",
		"email reply",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildGroup(t *testing.T) {
	g := BuildGroup("email-alice-example-com")
	if g.Folder != "email-alice-example-com" {
		t.Errorf("folder = %q", g.Folder)
	}
	if g.RequiresTrigger {
		t.Error("email groups must not require a trigger")
	}
}
