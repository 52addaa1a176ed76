package types

// Profile contains user profile metadata (kind 0)
type Profile struct {
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Banner  string `json:"banner,omitempty"`
	Nip05   string `json:"nip05,omitempty"`
	Lud16   string `json:"lud16,omitempty"`
	Website string `json:"website,omitempty"`

	// CreatedAt is the source event's timestamp; profile updates are
	// accepted last-writer-wins by this value, not by fetch time.
	CreatedAt int64 `json:"created_at,omitempty"`
	FetchedAt int64 `json:"fetched_at,omitempty"`
}

// AnonymousProfile is the fallback for authors whose metadata never
// arrived. Missing profile data is not an error anywhere in this system.
func AnonymousProfile() Profile {
	return Profile{Name: "Anonymous"}
}

// RelayList holds a user's advertised read/write relays (kind 10002)
type RelayList struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}
