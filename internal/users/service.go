package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRoleCacheTTL = time.Minute

var (
	// ErrNotAdmin indicates the principal holds no administrative role.
	ErrNotAdmin = errors.New("users: principal is not an admin")
)

// ServiceConfig describes the dependencies required for admin role resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	CacheTTL time.Duration
}

// Service resolves administrative roles for authenticated principals.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	cacheTTL time.Duration
	cache    sync.Map
}

type cachedAdmin struct {
	admin     AdminUser
	found     bool
	expiresAt time.Time
}

// NewService constructs the admin directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultRoleCacheTTL
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		cacheTTL: ttl,
		cache:    sync.Map{},
	}, nil
}

// ResolveAdmin returns the admin grant for the user or ErrNotAdmin when none exists.
// Both positive and negative lookups are cached for the configured TTL.
func (s *Service) ResolveAdmin(ctx context.Context, userID UserID) (AdminUser, error) {
	key := userID.String()
	if key == "" {
		return AdminUser{}, ErrInvalidUserID
	}

	now := s.now()
	if cached, ok := s.cache.Load(key); ok {
		entry, ok := cached.(cachedAdmin)
		if ok && now.Before(entry.expiresAt) {
			if !entry.found {
				return AdminUser{}, ErrNotAdmin
			}
			return entry.admin, nil
		}
	}

	var admin AdminUser
	err := s.db.WithContext(ctx).Where("user_id = ?", key).Take(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.Store(key, cachedAdmin{found: false, expiresAt: now.Add(s.cacheTTL)})
		return AdminUser{}, ErrNotAdmin
	}
	if err != nil {
		return AdminUser{}, err
	}

	s.cache.Store(key, cachedAdmin{admin: admin, found: true, expiresAt: now.Add(s.cacheTTL)})
	return admin, nil
}

// GrantRole creates or replaces the admin grant for a user.
func (s *Service) GrantRole(ctx context.Context, userID UserID, role Role, email string) error {
	switch role {
	case RoleEditor, RoleAdmin, RoleSuperAdmin:
	default:
		return fmt.Errorf("users: unknown role %q", role)
	}
	admin := AdminUser{
		UserID: userID.String(),
		Role:   role,
		Email:  normalize(email),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "email", "updated_at"}),
	}).Create(&admin).Error
	if err != nil {
		return err
	}
	s.cache.Delete(userID.String())
	return nil
}
