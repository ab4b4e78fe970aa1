package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/canvas/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages participant profiles.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Resolve returns the profile of the token holder, creating it on first sight.
// A non-empty name claim replaces the stored display name; without one the
// user id is shown.
func (s *Service) Resolve(claims auth.Claims) (Profile, error) {
	userID := normalize(claims.Subject)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	name := normalize(claims.Name)

	if cached, ok := s.cache.Load(userID); ok {
		profile, ok := cached.(Profile)
		if ok && (name == "" || name == profile.DisplayName) {
			return profile, nil
		}
	}

	var profile Profile
	err := s.db.Where("user_id = ?", userID).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			UserID:      userID,
			DisplayName: name,
			Color:       ColorFor(userID),
			LastSeenAt:  s.now(),
		}
		if profile.DisplayName == "" {
			profile.DisplayName = userID
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if name != "" && name != profile.DisplayName {
			updates["display_name"] = name
			profile.DisplayName = name
		}
		_ = s.db.Model(&Profile{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error
	}

	s.cache.Store(userID, profile)
	return profile, nil
}
