package model

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// AvatarDirective tells the renderer how to draw an author's avatar.
// It is a closed set: RemoteAvatar, BundledVectorAvatar or InitialsAvatar.
type AvatarDirective interface {
	Kind() string
	avatarDirective()
}

type RemoteAvatar struct {
	URI string `json:"uri"`
}

type BundledVectorAvatar struct {
	Index int `json:"index"`
}

type InitialsAvatar struct {
	Letter string `json:"letter"`
}

func (RemoteAvatar) Kind() string        { return "remote" }
func (BundledVectorAvatar) Kind() string { return "bundled_vector" }
func (InitialsAvatar) Kind() string      { return "initials" }

func (RemoteAvatar) avatarDirective()        {}
func (BundledVectorAvatar) avatarDirective() {}
func (InitialsAvatar) avatarDirective()      {}

const DefaultBundledAvatars = 10

var remoteSchemes = []string{"http://", "https://", "file://", "content://", "data:"}

// avatar:7, avatar_7, avatar7, vector-7 ... the number is 1-based.
var bundledKey = regexp.MustCompile(`(?i)^(?:avatar|vector)[:_-]?([0-9]+)$`)

// AvatarResolver maps a stored avatar key to exactly one directive.
// The zero value has no bundled assets.
type AvatarResolver struct {
	BundledCount int
}

func NewAvatarResolver(bundledCount int) AvatarResolver {
	return AvatarResolver{BundledCount: bundledCount}
}

// Resolve never fails: malformed keys fall through to initials.
func (r AvatarResolver) Resolve(avatarKey, displayName string) AvatarDirective {
	key := strings.TrimSpace(avatarKey)
	if uri, ok := remoteURI(key); ok {
		return RemoteAvatar{URI: uri}
	}
	if idx, ok := r.bundledIndex(key); ok {
		return BundledVectorAvatar{Index: idx}
	}
	return InitialsAvatar{Letter: initial(displayName)}
}

// ResolveProfile is Resolve over a profile's fields.
func (r AvatarResolver) ResolveProfile(p Profile) AvatarDirective {
	return r.Resolve(p.AvatarKey, p.DisplayName)
}

func remoteURI(key string) (string, bool) {
	lower := strings.ToLower(key)
	for _, scheme := range remoteSchemes {
		if strings.HasPrefix(lower, scheme) && len(key) > len(scheme) {
			return key, true
		}
	}
	return "", false
}

func (r AvatarResolver) bundledIndex(key string) (int, bool) {
	if r.BundledCount <= 0 {
		return 0, false
	}
	m := bundledKey.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	// reduce digit by digit so arbitrarily long numbers cannot overflow
	n := 0
	for _, c := range m[1] {
		n = (n*10 + int(c-'0')) % r.BundledCount
	}
	return (n - 1 + r.BundledCount) % r.BundledCount, true
}

func initial(displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return "?"
	}
	c, _ := utf8.DecodeRuneInString(name)
	if c == utf8.RuneError {
		return "?"
	}
	return string(unicode.ToUpper(c))
}
