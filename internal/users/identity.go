package users

import (
	"hash/fnv"
	"strings"
	"time"
)

// Profile is how a participant appears to others on every canvas.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Color       string    `gorm:"column:color;size:16;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing participant profiles.
func (Profile) TableName() string {
	return "participant_profiles"
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor returns the palette color assigned to userID. The same id always
// maps to the same color.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return palette[hasher.Sum32()%uint32(len(palette))]
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
