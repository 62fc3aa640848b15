package speech

import (
	"strings"

	"github.com/zhouzirui/voicechat/backend/internal/config"
)

// Voice identifies a provider voice for one locale.
type Voice struct {
	Name         string
	LanguageCode string
}

var voiceTables = map[string]map[string]Voice{
	config.ProviderVolcengine: {
		"en-US": {Name: "en_female_amy_jupiter_bigtts", LanguageCode: "en"},
		"zh-CN": {Name: "zh_female_vv_uranus_bigtts", LanguageCode: "zh-cn"},
		"ja-JP": {Name: "multi_female_gaolengyujie_moon_bigtts", LanguageCode: "ja"},
		"es-ES": {Name: "multi_male_jingqiangkanye_moon_bigtts", LanguageCode: "es"},
	},
	config.ProviderGoogle: {
		"en-US": {Name: "en-US-Standard-C", LanguageCode: "en-US"},
		"es-ES": {Name: "es-ES-Standard-A", LanguageCode: "es-ES"},
		"fr-FR": {Name: "fr-FR-Standard-A", LanguageCode: "fr-FR"},
		"de-DE": {Name: "de-DE-Standard-A", LanguageCode: "de-DE"},
		"zh-CN": {Name: "cmn-CN-Standard-A", LanguageCode: "cmn-CN"},
		"ja-JP": {Name: "ja-JP-Standard-A", LanguageCode: "ja-JP"},
		"ko-KR": {Name: "ko-KR-Standard-A", LanguageCode: "ko-KR"},
		"it-IT": {Name: "it-IT-Standard-A", LanguageCode: "it-IT"},
		"pt-BR": {Name: "pt-BR-Standard-A", LanguageCode: "pt-BR"},
		"ru-RU": {Name: "ru-RU-Standard-A", LanguageCode: "ru-RU"},
	},
	config.ProviderOpenAI: {
		"en-US": {Name: "alloy"},
		"es-ES": {Name: "nova"},
		"fr-FR": {Name: "shimmer"},
		"de-DE": {Name: "onyx"},
		"zh-CN": {Name: "nova"},
		"ja-JP": {Name: "shimmer"},
		"ko-KR": {Name: "shimmer"},
		"it-IT": {Name: "nova"},
		"pt-BR": {Name: "nova"},
		"ru-RU": {Name: "onyx"},
	},
}

var defaultVoices = map[string]Voice{
	config.ProviderVolcengine: {Name: "en_female_amy_jupiter_bigtts", LanguageCode: "en"},
	config.ProviderGoogle:     {Name: "en-US-Standard-C", LanguageCode: "en-US"},
	config.ProviderOpenAI:     {Name: "alloy"},
}

// VoiceFor maps a locale tag to the provider voice. Unmapped tags get the
// configured fallback voice, or the provider default when none is set.
func VoiceFor(provider, tag, fallback string) Voice {
	if v, ok := voiceTables[provider][strings.TrimSpace(tag)]; ok {
		return v
	}
	v := defaultVoices[provider]
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		v.Name = fallback
	}
	if provider == config.ProviderGoogle {
		// Google requires the request locale to match the voice.
		v.LanguageCode = googleLanguageCode(v.Name, tag)
	}
	return v
}

func googleLanguageCode(voiceName, tag string) string {
	parts := strings.SplitN(voiceName, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	if tag != "" {
		return tag
	}
	return "en-US"
}

// SpeedRatio converts words per minute to the provider speed multiplier.
func SpeedRatio(wpm int) float32 {
	if wpm <= 0 {
		return 1.0
	}
	return float32(wpm) / 180.0
}
