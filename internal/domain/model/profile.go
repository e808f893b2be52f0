package model

// Profile is the display information for a message author.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarKey   string `json:"avatar_key,omitempty"`
	// Placeholder is set when the profile has not been (or could not be) fetched.
	Placeholder bool `json:"placeholder,omitempty"`
}

// PlaceholderProfile derives a renderable profile from the user id alone.
func PlaceholderProfile(userID string) Profile {
	return Profile{
		UserID:      userID,
		DisplayName: userID,
		Placeholder: true,
	}
}

