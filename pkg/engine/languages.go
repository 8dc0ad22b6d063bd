package engine

// LanguageAuto requests automatic language detection.
const LanguageAuto = "auto"

// languages lists every language code the multilingual whisper models know,
// in the models' vocabulary order.
var languages = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr",
	"pl", "ca", "nl", "ar", "sv", "it", "id", "hi", "fi", "vi",
	"he", "uk", "el", "ms", "cs", "ro", "da", "hu", "ta", "no",
	"th", "ur", "hr", "bg", "lt", "la", "mi", "ml", "cy", "sk",
	"te", "fa", "lv", "bn", "sr", "az", "sl", "kn", "et", "mk",
	"br", "eu", "is", "hy", "ne", "mn", "bs", "kk", "sq", "sw",
	"gl", "mr", "pa", "si", "km", "sn", "yo", "so", "af", "oc",
	"ka", "be", "tg", "sd", "gu", "am", "yi", "lo", "uz", "fo",
	"ht", "ps", "tk", "nn", "mt", "sa", "lb", "my", "bo", "tl",
	"mg", "as", "tt", "haw", "ln", "ha", "ba", "jw", "su", "yue",
}

var languageSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(languages))
	for _, l := range languages {
		m[l] = struct{}{}
	}
	return m
}()

// KnownLanguage reports whether code is one of the whisper language codes.
func KnownLanguage(code string) bool {
	_, ok := languageSet[code]
	return ok
}

// Languages returns a copy of all whisper language codes.
func Languages() []string {
	out := make([]string, len(languages))
	copy(out, languages)
	return out
}

// ResolveLanguage applies the batch language fallback rules for a model:
//
//   - a model that is not multilingual always runs in English without
//     translation;
//   - a multilingual model given a code it does not know, other than "auto",
//     falls back to "auto" with language detection;
//   - anything else, "auto" included, is used as given with the detection
//     flag cleared. Backends detect the language themselves for "auto".
//
// The returned bool reports whether the requested language was replaced.
func ResolveLanguage(m Model, p Params) (Params, bool) {
	switch {
	case !m.Multilingual():
		changed := p.Language != "en"
		p.Language = "en"
		p.Translate = false
		p.DetectLanguage = false
		return p, changed
	case p.Language == "":
		p.Language = LanguageAuto
		p.DetectLanguage = false
		return p, false
	case p.Language != LanguageAuto && !m.KnownLanguage(p.Language):
		p.Language = LanguageAuto
		p.DetectLanguage = true
		return p, true
	default:
		p.DetectLanguage = false
		return p, false
	}
}
