package dess

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// The vendor signs every call with a SHA-1 digest over the salt, a secret and
// the urlencoded action parameters, in the order they were assembled. The '@'
// character stays unescaped and the signed parameter string must match the
// one sent on the wire byte for byte, so parameters are kept as an ordered
// list rather than url.Values.

// Param represents one query parameter in signing order
type Param struct {
	Key   string
	Value string
}

// Request represents a fully signed request descriptor ready to send
type Request struct {
	URL    string
	Action string
	Path   string
}

// RequestBuilder constructs signed request URLs. It is stateless: every
// method is a pure function of its inputs plus the salt clock.
type RequestBuilder struct {
	baseURL    string
	companyKey string
	source     string

	// now supplies the signing salt; replaced in tests.
	now func() time.Time
}

// NewRequestBuilder creates a request builder for the given endpoint
func NewRequestBuilder(baseURL, companyKey, source string) *RequestBuilder {
	return &RequestBuilder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		companyKey: companyKey,
		source:     source,
		now:        time.Now,
	}
}

// Login builds the authSource request. The password never travels in clear:
// its SHA-1 replaces the session secret in the signature.
func (b *RequestBuilder) Login(creds models.Credentials) (*Request, error) {
	if creds.Email == "" || creds.Password == "" {
		return nil, fmt.Errorf("missing account credentials")
	}

	params := []Param{
		{"action", "authSource"},
		{"usr", creds.Email},
		{"source", b.source},
		{"company-key", b.companyKey},
	}

	salt := b.now().Unix()
	passwordHash := sha1Hex(creds.Password)
	sign := sha1Hex(fmt.Sprintf("%d%s&%s", salt, passwordHash, encodeParams(params)))

	payload := append([]Param{
		{"sign", sign},
		{"salt", strconv.FormatInt(salt, 10)},
	}, params...)

	return &Request{
		URL:    fmt.Sprintf("%s/public/?%s", b.baseURL, encodeParams(payload)),
		Action: "authSource",
		Path:   "/public/",
	}, nil
}

// Signed builds an authenticated request for the given action. It fails when
// no session is supplied; callers obtain one from the session manager first.
func (b *RequestBuilder) Signed(session *models.Session, action string, extra ...Param) (*Request, error) {
	if session == nil || session.Token == "" || session.Secret == "" {
		return nil, fmt.Errorf("missing session for action %s", action)
	}
	if action == "" {
		return nil, fmt.Errorf("missing action")
	}

	params := append([]Param{{"action", action}}, extra...)

	salt := b.now().Unix()
	sign := sha1Hex(fmt.Sprintf("%d%s%s&%s", salt, session.Secret, session.Token, encodeParams(params)))

	payload := append([]Param{
		{"sign", sign},
		{"salt", strconv.FormatInt(salt, 10)},
		{"token", session.Token},
	}, params...)

	return &Request{
		URL:    fmt.Sprintf("%s/public/?%s", b.baseURL, encodeParams(payload)),
		Action: action,
		Path:   "/public/",
	}, nil
}

// encodeParams urlencodes parameters preserving order, with '@' left literal
func encodeParams(params []Param) string {
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(escape(p.Key))
		sb.WriteByte('=')
		sb.WriteString(escape(p.Value))
	}
	return sb.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "%40", "@")
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
