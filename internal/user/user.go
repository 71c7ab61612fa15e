package user

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultName is used when a client joins without a usable name.
	DefaultName = "Anonymous"

	// MaxNameLength is the maximum display name length in characters.
	MaxNameLength = 20
)

// User represents a participant present in the room. It lives only as long
// as the connection that announced it.
type User struct {
	ID           string `json:"id" bson:"id"`
	Name         string `json:"name" bson:"name"`
	ProfileImage string `json:"profileImage,omitempty" bson:"profileImage,omitempty"`
}

// System is the author of join and departure notices.
var System = User{ID: "system", Name: "System"}

// Profile is the self-declared identity sent with a join request.
type Profile struct {
	Name         string `json:"name"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// Normalize builds the User for connection id from a client supplied profile.
func Normalize(id string, p Profile) User {
	name := NormalizeName(p.Name)
	image := strings.TrimSpace(p.ProfileImage)
	if !isHTTPURL(image) {
		image = Avatar(name)
	}
	return User{
		ID:           id,
		Name:         name,
		ProfileImage: image,
	}
}

// NormalizeName trims name, substitutes DefaultName when it is empty and
// truncates it to MaxNameLength characters.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = strings.TrimSpace(string([]rune(name)[:MaxNameLength]))
	}
	return name
}

var avatarStyles = []string{"adventurer", "bottts", "big-smile", "micah", "thumbs", "avataaars"}

// Avatar returns a placeholder image URL for name. The same name always maps
// to the same URL.
func Avatar(name string) string {
	style := avatarStyles[xxhash.Sum64String(name)%uint64(len(avatarStyles))]
	return "https://api.dicebear.com/7.x/" + style + "/svg?seed=" + url.QueryEscape(name)
}

func isHTTPURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
