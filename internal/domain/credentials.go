package domain

// Credentials is a decrypted credential set. Values only exist inside a
// vault scope and are cleared when it ends.
type Credentials map[string]string

// Missing returns the fields from required that are absent or blank.
func (c Credentials) Missing(required ...string) []string {
	var out []string
	for _, k := range required {
		if c[k] == "" {
			out = append(out, k)
		}
	}
	return out
}

// Secrets returns every non-empty value, for scrubbing error text.
func (c Credentials) Secrets() []string {
	out := make([]string, 0, len(c))
	for _, v := range c {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Wipe drops every value.
func (c Credentials) Wipe() {
	clear(c)
}
