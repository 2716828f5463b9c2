package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxIDLength          = 128
	maxRemotePartyLength = 256
	maxDisplayNameLength = 100
)

var (
	// IDRegex validates call, room and participant identifiers
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateID validates an identifier; kind names it in the error.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format (only letters, numbers, _, -, ., : allowed)", kind)
	}
	return nil
}

// ValidateRemoteParty validates the address of the far end of a call. Phone
// numbers and SIP URIs are both accepted.
func ValidateRemoteParty(party string) error {
	party = strings.TrimSpace(party)
	if party == "" {
		return fmt.Errorf("remote_party is required")
	}
	if !utf8.ValidString(party) {
		return fmt.Errorf("remote_party contains invalid characters")
	}
	if utf8.RuneCountInString(party) > maxRemotePartyLength {
		return fmt.Errorf("remote_party is too long (max %d characters)", maxRemotePartyLength)
	}
	if strings.IndexFunc(party, unicode.IsControl) >= 0 {
		return fmt.Errorf("remote_party contains control characters")
	}
	return nil
}

// ValidateDisplayName validates an optional display name
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display_name contains invalid characters")
	}
	return ValidateStringLength(name, 1, maxDisplayNameLength, "display_name")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSDP checks the mandatory session-level lines of a session
// description.
func ValidateSDP(sdp string) error {
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP: missing '%s' line", field)
		}
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
