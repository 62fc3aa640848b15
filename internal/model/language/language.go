// Package language holds the registry of supported conversation languages.
package language

import "strings"

// DefaultTag is the locale every new session starts with.
const DefaultTag = "en-US"

// Language maps a human language name to the locale tag used by ASR, the
// reply-language instruction and TTS voice selection.
type Language struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

var registry = []Language{
	{Name: "English", Tag: "en-US"},
	{Name: "Spanish", Tag: "es-ES"},
	{Name: "French", Tag: "fr-FR"},
	{Name: "German", Tag: "de-DE"},
	{Name: "Chinese (Mandarin)", Tag: "zh-CN"},
	{Name: "Japanese", Tag: "ja-JP"},
	{Name: "Korean", Tag: "ko-KR"},
	{Name: "Italian", Tag: "it-IT"},
	{Name: "Portuguese", Tag: "pt-BR"},
	{Name: "Russian", Tag: "ru-RU"},
}

// List returns the supported languages in display order.
func List() []Language {
	return append([]Language(nil), registry...)
}

// ByTag looks up a language by locale tag, ignoring case.
func ByTag(tag string) (Language, bool) {
	tag = strings.TrimSpace(tag)
	for _, l := range registry {
		if strings.EqualFold(l.Tag, tag) {
			return l, true
		}
	}
	return Language{}, false
}

// Resolve accepts either a locale tag or a language name.
func Resolve(key string) (Language, bool) {
	if l, ok := ByTag(key); ok {
		return l, true
	}
	key = strings.TrimSpace(key)
	for _, l := range registry {
		if strings.EqualFold(l.Name, key) {
			return l, true
		}
	}
	return Language{}, false
}

// NameOf returns the display name for tag, or the tag itself when unknown.
func NameOf(tag string) string {
	if l, ok := ByTag(tag); ok {
		return l.Name
	}
	return tag
}
