package translate

import (
	"context"
	"strings"

	"github.com/abadojack/whatlanggo"
)

type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// Detecting skips the backend when the text is already in the target
// language. Only reliable detections are trusted.
type Detecting struct {
	next Translator
}

func NewDetecting(next Translator) *Detecting {
	return &Detecting{next: next}
}

func (d *Detecting) Translate(ctx context.Context, text, target string) (string, error) {
	if lang, ok := DetectLanguage(text); ok && strings.EqualFold(lang, baseLanguage(target)) {
		return text, nil
	}
	return d.next.Translate(ctx, text, target)
}

// DetectLanguage returns the ISO 639-1 code of text when whatlanggo is
// confident about it.
func DetectLanguage(text string) (string, bool) {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return "", false
	}
	code := info.Lang.Iso6391()
	return code, code != ""
}

// baseLanguage strips a region or script suffix: "pt-BR" -> "pt".
func baseLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}
