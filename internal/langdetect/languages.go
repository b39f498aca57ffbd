// Package langdetect picks a supported language from the speech model's
// classifier output.
package langdetect

// Code is a supported language code.
type Code string

const (
	English   Code = "en"
	Hindi     Code = "hi"
	Bengali   Code = "bn"
	Telugu    Code = "te"
	Tamil     Code = "ta"
	Gujarati  Code = "gu"
	Malayalam Code = "ml"
	Kannada   Code = "kn"
	Marathi   Code = "mr"
	Punjabi   Code = "pa"
	Urdu      Code = "ur"
)

// Default replaces any classifier result outside the supported set.
const Default = English

var supported = []struct {
	code Code
	name string
}{
	{English, "English"},
	{Hindi, "Hindi"},
	{Bengali, "Bengali"},
	{Telugu, "Telugu"},
	{Tamil, "Tamil"},
	{Gujarati, "Gujarati"},
	{Malayalam, "Malayalam"},
	{Kannada, "Kannada"},
	{Marathi, "Marathi"},
	{Punjabi, "Punjabi"},
	{Urdu, "Urdu"},
}

// Supported reports whether code belongs to the supported set.
func Supported(code string) bool {
	for _, s := range supported {
		if string(s.code) == code {
			return true
		}
	}
	return false
}

// Codes lists the supported codes in declaration order.
func Codes() []Code {
	out := make([]Code, len(supported))
	for i, s := range supported {
		out[i] = s.code
	}
	return out
}

// Name returns the English name for code, or code itself when unknown.
func Name(code string) string {
	for _, s := range supported {
		if string(s.code) == code {
			return s.name
		}
	}
	return code
}
