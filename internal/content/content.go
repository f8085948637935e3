// Package content produces the text served on every connection: a quote
// rendered inside a cowsay speech bubble.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Ravi-Teja4/wisecow/internal/config"
)

// ErrPrerequisiteMissing is wrapped by Check errors when a provider's
// tools or resources are not available.
var ErrPrerequisiteMissing = errors.New("prerequisite missing")

// Provider generates display text. Every call produces fresh output.
type Provider interface {
	Generate(ctx context.Context) (string, error)
}

// Checker is implemented by providers with startup prerequisites.
type Checker interface {
	Check() error
}

// Stage names the step of content generation that failed.
type Stage string

const (
	StageFortune Stage = "fortune"
	StageCowsay  Stage = "cowsay"
	StagePick    Stage = "pick"
)

// GenerateError reports a failed Generate call.
type GenerateError struct {
	Stage Stage
	Err   error
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("content: %s failed: %v", e.Stage, e.Err)
}

func (e *GenerateError) Unwrap() error { return e.Err }

// New builds the provider selected by cfg.
func New(cfg config.Content) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderExec:
		return &Exec{
			Fortune: strings.Fields(cfg.Fortune),
			Cowsay:  strings.Fields(cfg.Cowsay),
			Timeout: cfg.Timeout,
		}, nil
	case config.ProviderBuiltin:
		return &Builtin{Quotes: DefaultQuotes(), Width: cfg.Width}, nil
	case config.ProviderStatic:
		return Static(cfg.Text), nil
	}
	return nil, fmt.Errorf("content: unknown provider %q", cfg.Provider)
}

// Check runs p's prerequisite check if it has one.
func Check(p Provider) error {
	if c, ok := p.(Checker); ok {
		return c.Check()
	}
	return nil
}

// Static always returns its own text.
type Static string

func (s Static) Generate(context.Context) (string, error) {
	return string(s), nil
}
