// Package localization provides functionality for internationalization (i18n).
// It loads translation strings from JSON files and provides a simple way to get
// localized strings for different languages.
package localization

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

// Keys of the user-visible strings.
const (
	KeyGenericRetry     = "error.generic_retry"
	KeyUnauthenticated  = "error.unauthenticated"
	KeyPartnerFallback  = "chat.partner_placeholder"
	KeyAnonymousSender  = "chat.anonymous_sender"
	KeyMediaUnavailable = "call.media_unavailable"
)

// DefaultLang is used when nothing better matches.
const DefaultLang = "en"

// Localizer manages the translations for the application.
// It holds a map of languages, each with its own map of translation keys and values.
type Localizer struct {
	translations map[string]map[string]string
	matcher      language.Matcher
	langs        []string
	mu           sync.RWMutex
}

// NewLocalizer creates and returns a new Localizer instance.
// It loads all translations from the provided directory path.
// The directory should contain JSON files named with the language code (e.g., "en.json").
func NewLocalizer(path string) (*Localizer, error) {
	translations := make(map[string]map[string]string)

	files, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read localization directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		lang := strings.TrimSuffix(file.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(path, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read localization file %s: %w", file.Name(), err)
		}

		var bundle map[string]string
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse localization file %s: %w", file.Name(), err)
		}
		translations[lang] = bundle
	}

	return FromMap(translations), nil
}

// FromMap builds a Localizer from in-memory bundles.
func FromMap(translations map[string]map[string]string) *Localizer {
	l := &Localizer{translations: translations}

	l.langs = make([]string, 0, len(translations))
	for lang := range translations {
		l.langs = append(l.langs, lang)
	}
	// The default language goes first so the matcher falls back to it.
	sort.Slice(l.langs, func(i, j int) bool {
		if l.langs[i] == DefaultLang || l.langs[j] == DefaultLang {
			return l.langs[i] == DefaultLang
		}
		return l.langs[i] < l.langs[j]
	})

	tags := make([]language.Tag, 0, len(l.langs))
	for _, lang := range l.langs {
		tags = append(tags, language.Make(lang))
	}
	if len(tags) > 0 {
		l.matcher = language.NewMatcher(tags)
	}
	return l
}

// Match picks the best loaded language for an Accept-Language header.
func (l *Localizer) Match(acceptLanguage string) string {
	if l == nil || l.matcher == nil {
		return DefaultLang
	}
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return DefaultLang
	}
	_, idx, conf := l.matcher.Match(prefs...)
	if conf == language.No {
		return DefaultLang
	}
	return l.langs[idx]
}

// GetString returns the localized string for a given key and language.
// If the language or the key is not found, it returns the key itself as a fallback.
func (l *Localizer) GetString(lang, key string) string {
	if l == nil {
		return key
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if langTranslations, ok := l.translations[lang]; ok {
		if value, ok := langTranslations[key]; ok {
			return value
		}
	}

	if lang != DefaultLang {
		if enTranslations, ok := l.translations[DefaultLang]; ok {
			if value, ok := enTranslations[key]; ok {
				return value
			}
		}
	}

	return key
}

type langKey struct{}

// WithLang stores the request language in ctx.
func WithLang(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, langKey{}, lang)
}

// LangFrom returns the language stored by WithLang, or DefaultLang.
func LangFrom(ctx context.Context) string {
	if lang, ok := ctx.Value(langKey{}).(string); ok && lang != "" {
		return lang
	}
	return DefaultLang
}
