package engine

import (
	"context"
	"strings"
)

// Generator turns a single prompt into completion text using a fixed model.
type Generator struct {
	engine Engine
	model  string
	system string
	schema *Schema
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithSystemPrompt prepends a system message to every call.
func WithSystemPrompt(s string) GeneratorOption {
	return func(g *Generator) { g.system = s }
}

// WithSchema requests structured output in the given shape.
func WithSchema(s *Schema) GeneratorOption {
	return func(g *Generator) { g.schema = s }
}

// NewGenerator binds an Engine to a chat model.
func NewGenerator(e Engine, model string, opts ...GeneratorOption) *Generator {
	g := &Generator{engine: e, model: model}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate sends prompt as a single user message and returns the reply.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	msgs := make([]Message, 0, 2)
	if g.system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: g.system})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: prompt})
	return g.engine.Chat(ctx, g.model, msgs, g.schema)
}

// StripCodeFence removes a surrounding markdown code fence (```json ... ```)
// from model output. Text without a fence is returned trimmed.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", ...) on the opening line.
		if info := strings.TrimSpace(s[:nl]); !strings.ContainsAny(info, "[{") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
