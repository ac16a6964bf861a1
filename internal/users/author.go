package users

// Author is the public projection of a user shown next to every post.
type Author struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profileImageUrl"`
}

// ProjectAuthor reduces a full user record to its public shape. The username falls back to
// the first name and then the id, so it is never empty for a record with an id.
func ProjectAuthor(user User) Author {
	username := user.ID
	if firstName := deref(user.FirstName); firstName != "" {
		username = firstName
	}
	if handle := deref(user.Username); handle != "" {
		username = handle
	}
	return Author{
		ID:              user.ID,
		Username:        username,
		ProfileImageURL: user.ProfileImageURL,
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return normalize(*value)
}
