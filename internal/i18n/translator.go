// Package i18n renders user-facing messages from embedded TOML catalogs.
package i18n

import (
	"embed"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"

	"example.com/wellness/internal/logger"
)

//go:embed active.*.toml
var localeFS embed.FS

// Message keys shared by the HTTP layer.
const (
	KeyComingSoon          = "coming_soon"
	KeyJoined              = "joined"
	KeyAlreadyJoined       = "already_joined"
	KeyNotJoined           = "not_joined"
	KeyActivityRecorded    = "activity_recorded"
	KeyChallengeCompleted  = "challenge_completed"
	KeyUnknownActivityType = "unknown_activity_type"
	KeyChallengeNotFound   = "challenge_not_found"
	KeyInvalidRequest      = "invalid_request"
	KeyForbidden           = "forbidden"
	KeyInternalError       = "internal_error"
)

// Translator is a thin wrapper around go-i18n's Bundle/Localizer.
type Translator struct {
	bundle          *i18n.Bundle
	defaultLanguage language.Tag
	log             *logger.Logger
}

// NewTranslator builds a Translator over the embedded catalogs. Unparseable locales fall back
// to English.
func NewTranslator(defaultLocale string, log *logger.Logger) *Translator {
	if log == nil {
		log = logger.NewNop()
	}
	tag, err := language.Parse(defaultLocale)
	if err != nil {
		tag = language.English
	}
	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	for _, file := range []string{"active.en.toml", "active.es.toml"} {
		if _, err := bundle.LoadMessageFileFS(localeFS, file); err != nil {
			log.Warn("i18n catalog failed to load", "file", file, "error", err)
		}
	}

	return &Translator{bundle: bundle, defaultLanguage: tag, log: log}
}

// T renders key for the caller's locale, which may be a raw Accept-Language header value. It
// falls back to the default locale, then to the key itself.
func (t *Translator) T(locale, key string, data map[string]any) string {
	if key == "" {
		return ""
	}

	languages := make([]string, 0, 2)
	if locale != "" {
		languages = append(languages, locale)
	}
	languages = append(languages, t.defaultLanguage.String())

	localizer := i18n.NewLocalizer(t.bundle, languages...)
	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: data,
	})
	if err != nil {
		t.log.Debug("i18n localize failed", "key", key, "locales", languages, "error", err)
		return key
	}
	return msg
}
