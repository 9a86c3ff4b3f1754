package vault

import (
	"sort"
	"strings"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

const redacted = "***"

// minSecretLen keeps short values such as "1" from shredding unrelated text.
const minSecretLen = 4

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.err }

// Scrub returns err with every credential value in its text replaced by the
// redaction placeholder. errors.Is and errors.As still see the original chain.
func Scrub(err error, creds domain.Credentials) error {
	if err == nil {
		return nil
	}
	msg := ScrubString(err.Error(), creds)
	if msg == err.Error() {
		return err
	}
	return &scrubbedError{msg: msg, err: err}
}

// ScrubString replaces every credential value in s.
func ScrubString(s string, creds domain.Credentials) string {
	secrets := creds.Secrets()
	// Longest first so a value that contains another is replaced whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	for _, sec := range secrets {
		if len(sec) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, sec, redacted)
	}
	return s
}
