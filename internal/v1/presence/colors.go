package presence

import "math/rand"

// palette holds the display colors handed out to concurrently active users.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FECA57", "#FF9FF3", "#54A0FF", "#5F27CD",
	"#00D2D3", "#FF9F43", "#10AC84", "#EE5A24",
}

// Palette returns a copy of the display color palette.
func Palette() []string {
	out := make([]string, len(palette))
	copy(out, palette)
	return out
}

// pickColorLocked returns the first palette entry not in use by an active
// user, or a uniformly random entry when the palette is exhausted. Colors are
// assigned once per session and never re-balanced.
func (r *Registry) pickColorLocked() string {
	inUse := make(map[string]bool, len(r.users))
	for _, u := range r.users {
		inUse[u.Color] = true
	}
	for _, c := range palette {
		if !inUse[c] {
			return c
		}
	}
	return palette[rand.Intn(len(palette))]
}
