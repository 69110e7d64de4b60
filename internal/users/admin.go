package users

import "time"

// Role enumerates administrative privilege levels.
type Role string

const (
	RoleEditor     Role = "editor"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// AdminUser grants an administrative role to a principal.
type AdminUser struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role      Role      `gorm:"column:role;size:32;not null"`
	Email     string    `gorm:"column:email;size:320"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing admin role grants.
func (AdminUser) TableName() string {
	return "admin_users"
}

// CanPush reports whether the role may send push notifications and read the delivery log.
func (r Role) CanPush() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}
