package builtin

import (
	"fmt"

	"github.com/textmux/textmux/internal/feature"
)

// Features bundles the stock feature set after registration.
type Features struct {
	Case       *CaseFeature
	Dictionary *Dictionary
	Translate  *Translate
	Summarize  *Summarize
}

// RegisterAll registers every stock feature with the manager.
func RegisterAll(fm *feature.Manager, backend Backend) (*Features, error) {
	f := &Features{
		Case:       NewCaseFeature(),
		Dictionary: NewDictionary(backend),
		Translate:  NewTranslate(backend),
		Summarize:  NewSummarize(backend),
	}

	defs := []*feature.Definition{
		f.Case.Definition(),
		f.Dictionary.Definition(),
		f.Translate.Definition(),
		f.Summarize.Definition(),
	}
	for _, def := range defs {
		if err := fm.Register(def); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", def.ID, err)
		}
	}
	return f, nil
}
