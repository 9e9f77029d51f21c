package download

import "strings"

// maxComponentLen bounds each display-name component so derived file paths
// stay well under filesystem limits.
const maxComponentLen = 64

// sanitizeComponent restricts a display-name component to letters, digits,
// hyphen, underscore and space, collapsing anything else, and truncates it.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if len(out) > maxComponentLen {
		out = strings.TrimSpace(out[:maxComponentLen])
	}
	return out
}

// displayName derives the human-readable file name for a cached study from
// the patient identifier and name.
func displayName(patientID, patientName string) string {
	id := sanitizeComponent(patientID)
	name := sanitizeComponent(strings.ReplaceAll(patientName, "^", " "))
	switch {
	case id == "" && name == "":
		return "study"
	case id == "":
		return name
	case name == "":
		return id
	}
	return id + " " + name
}
