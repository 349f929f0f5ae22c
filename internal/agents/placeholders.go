package agents

import "strings"

// placeholderPhrases are strings models emit instead of real code.
var placeholderPhrases = map[string]bool{
	"test code here":        true,
	"your code here":        true,
	"code goes here":        true,
	"insert code here":      true,
	"add code here":         true,
	"implementation here":   true,
	"your implementation":   true,
	"todo":                  true,
	"tbd":                   true,
	"n/a":                   true,
	"na":                    true,
	"none":                  true,
	"null":                  true,
	"...":                   true,
	"# tests":               true,
	"// tests":              true,
	"same as before":        true,
	"no changes":            true,
	"unchanged":             true,
	"see above":             true,
}

// isPlaceholderText reports whether text is a stand-in rather than content.
func isPlaceholderText(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, "`\"'.")
	return placeholderPhrases[strings.TrimSpace(t)]
}

// codeMarkers are substrings at least one of which real code contains.
var codeMarkers = []string{"{", "(", "=", ";", "def ", "class ", "import ", "#include"}

// looksLikeCode reports whether text plausibly contains source code.
func looksLikeCode(text string) bool {
	for _, marker := range codeMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
