package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is the fixed system preamble sent ahead of every conversation.
type Persona struct {
	Name     string `yaml:"name"`
	Greeting string `yaml:"greeting"`
	Prompt   string `yaml:"prompt"`
}

// DefaultPersona is the built-in general physician assistant.
func DefaultPersona() Persona {
	return Persona{
		Name:     "Dr. Emily",
		Greeting: "Hello! I'm Dr. Emily, your AI medical assistant. I'm here to help answer your health questions and provide medical guidance. Type 'Hello' to start our conversation!",
		Prompt: strings.TrimSpace(`
You are Dr. Emily, a professional and empathetic general physician.
You respond clearly and kindly to patient messages.

- Always provide accurate medical information and advice.
- For new or ongoing health problems, you may suggest safe home care, over-the-counter remedies, or lifestyle measures for minor, common issues.
- Ask clarifying questions only if necessary to give safe guidance.
- Warn the patient to see a doctor promptly if symptoms are severe, unusual, sudden, or worsen.
- Remember all previous messages from the same patient in this conversation to give informed advice.
- Use simple, friendly language. Never use slang, emojis, or em-dashes.
- Keep answers concise, helpful, and practical.
- Do not prescribe prescription-only medication; advise the patient to consult a doctor.
- If the patient's symptoms could be an emergency, instruct them to seek urgent medical care immediately.
`),
	}
}

// LoadPersona reads a YAML persona file. An empty path yields the default.
// Fields missing from the file fall back to the default persona.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona %s: %w", path, err)
	}
	var file Persona
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}

	if file.Name != "" {
		p.Name = file.Name
	}
	if file.Greeting != "" {
		p.Greeting = file.Greeting
	}
	if s := strings.TrimSpace(file.Prompt); s != "" {
		p.Prompt = s
	}
	return p, nil
}
