package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/textmux/textmux/internal/feature"
)

// CaseStyles lists the transformations the case formatter supports.
var CaseStyles = []string{"upper", "lower", "title", "sentence"}

// CaseFormatter rewrites text into a configured case style. It is entirely
// local and needs no permissions or network access.
type CaseFormatter struct {
	mu    sync.RWMutex
	style string
	caser cases.Caser
}

// NewCaseFormatter builds a formatter for the given style.
func NewCaseFormatter(style string) (*CaseFormatter, error) {
	f := &CaseFormatter{}
	if err := f.SetStyle(style); err != nil {
		return nil, err
	}
	return f, nil
}

// SetStyle switches the active transformation.
func (f *CaseFormatter) SetStyle(style string) error {
	var caser cases.Caser
	switch style {
	case "upper":
		caser = cases.Upper(language.English)
	case "lower":
		caser = cases.Lower(language.English)
	case "title", "sentence":
		caser = cases.Title(language.English)
	default:
		return fmt.Errorf("unknown case style %q (want one of %s)",
			style, strings.Join(CaseStyles, ", "))
	}

	f.mu.Lock()
	f.style = style
	f.caser = caser
	f.mu.Unlock()
	return nil
}

// Style returns the active style name.
func (f *CaseFormatter) Style() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.style
}

// Format applies the active transformation to text.
func (f *CaseFormatter) Format(text string) string {
	f.mu.RLock()
	style, caser := f.style, f.caser
	f.mu.RUnlock()

	if style != "sentence" {
		return caser.String(text)
	}
	// Sentence case only capitalizes the leading word.
	lowered := cases.Lower(language.English).String(text)
	fields := strings.SplitN(lowered, " ", 2)
	fields[0] = caser.String(fields[0])
	return strings.Join(fields, " ")
}

// CaseFeature owns the case formatter's lifecycle. The formatter exists
// only while the feature is active.
type CaseFeature struct {
	mu  sync.Mutex
	fmt *CaseFormatter
}

// NewCaseFeature creates the feature wrapper.
func NewCaseFeature() *CaseFeature {
	return &CaseFeature{}
}

// Definition returns the registration record for the case formatter.
func (c *CaseFeature) Definition() *feature.Definition {
	return &feature.Definition{
		ID:             "casefmt",
		Name:           "Case Formatter",
		Category:       "formatting",
		DefaultEnabled: true,
		DefaultSettings: map[string]any{
			"style": "title",
		},
		Activate: func(_ context.Context, inst *feature.Instance) error {
			style, _ := inst.Setting("style", "title").(string)
			f, err := NewCaseFormatter(style)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.fmt = f
			c.mu.Unlock()
			return nil
		},
		Deactivate: func(context.Context, *feature.Instance) error {
			c.mu.Lock()
			c.fmt = nil
			c.mu.Unlock()
			return nil
		},
	}
}

// Formatter returns the live formatter, or false while inactive.
func (c *CaseFeature) Formatter() (*CaseFormatter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fmt, c.fmt != nil
}
