// Package models holds the persistent entities behind the identity layer and
// the Store data-access component that loads them through the shared cache.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PermissionList stores a permission name list as a JSON text column so it
// works the same across database drivers.
type PermissionList []string

func (p PermissionList) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *PermissionList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("cannot scan %T into PermissionList", src)
	}
}

// User is an account that credentials resolve to.
type User struct {
	ID          int64  `gorm:"primaryKey" json:"id"`
	Username    string `gorm:"size:32;uniqueIndex;not null" json:"username"`
	Passhash    string `gorm:"size:128;not null" json:"-"`
	Email       string `gorm:"size:255;not null" json:"email"`
	Enabled     bool   `gorm:"not null;default:true" json:"enabled"`
	Locked      bool   `gorm:"not null;default:false" json:"locked"`
	UserClassID int64  `gorm:"not null;default:1" json:"user_class_id"`
	InviterID   *int64 `gorm:"index" json:"inviter_id,omitempty"`
	Invites     int    `gorm:"not null;default:0" json:"invites"`
	Uploaded    int64  `gorm:"not null;default:5368709120" json:"uploaded"`
	Downloaded  int64  `gorm:"not null;default:0" json:"downloaded"`
}

func (User) TableName() string { return "users" }

func (u *User) CacheKey() string { return fmt.Sprintf("users_%d", u.ID) }

// SetPassword replaces the user's password hash.
func (u *User) SetPassword(password string) error {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Passhash = string(h)
	return nil
}

// CheckPassword verifies a password attempt against the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.Passhash), []byte(password)) == nil
}

// UserClass assigns a base permission set to its members.
type UserClass struct {
	ID          int64          `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"size:24;uniqueIndex;not null" json:"name"`
	Permissions PermissionList `gorm:"type:text" json:"permissions"`
}

func (UserClass) TableName() string { return "user_classes" }

func (c *UserClass) CacheKey() string { return fmt.Sprintf("user_classes_%d", c.ID) }

// UserPermission grants or revokes one permission for one user on top of
// their class permissions.
type UserPermission struct {
	UserID     int64  `gorm:"primaryKey" json:"user_id"`
	Permission string `gorm:"primaryKey;size:36" json:"permission"`
	Granted    bool   `gorm:"not null;default:true" json:"granted"`
}

func (UserPermission) TableName() string { return "users_permissions" }

// APIKey authenticates programmatic callers. The raw key concatenates the
// 10-character hash (lookup id) and the secret; only a digest of the secret
// is stored.
type APIKey struct {
	Hash        string         `gorm:"primaryKey;size:10" json:"hash"`
	UserID      int64          `gorm:"not null;index" json:"user_id"`
	KeyDigest   string         `gorm:"size:64;not null" json:"-"`
	LastUsed    time.Time      `gorm:"not null" json:"last_used"`
	IP          string         `gorm:"size:45;not null;default:0.0.0.0" json:"ip"`
	UserAgent   string         `json:"user_agent"`
	Revoked     bool           `gorm:"not null;index;default:false" json:"revoked"`
	Permanent   bool           `gorm:"not null;default:false" json:"permanent"`
	Permissions PermissionList `gorm:"type:text" json:"permissions,omitempty"`
}

func (APIKey) TableName() string { return "api_keys" }

func (k *APIKey) CacheKey() string { return "api_keys_" + k.Hash }

// CheckKey validates the authenticity of a key secret against its stored digest.
func (k *APIKey) CheckKey(secret string) bool {
	return checkSecret(k.KeyDigest, secret)
}

// HasPermission checks a permission against the key's own permission subset
// when one is assigned, otherwise against the given user permission set.
func (k *APIKey) HasPermission(perm string, userPerms map[string]bool) bool {
	if len(k.Permissions) > 0 {
		for _, p := range k.Permissions {
			if p == perm {
				return true
			}
		}
		return false
	}
	return userPerms[perm]
}

// Session authenticates browser callers via the session cookie. The cookie
// value concatenates the 10-character id and the secret.
type Session struct {
	ID         string    `gorm:"primaryKey;size:10" json:"id"`
	UserID     int64     `gorm:"not null;index" json:"user_id"`
	KeyDigest  string    `gorm:"size:64;not null" json:"-"`
	CSRFToken  string    `gorm:"size:32;not null" json:"-"`
	Persistent bool      `gorm:"not null;default:false" json:"persistent"`
	LastUsed   time.Time `gorm:"not null" json:"last_used"`
	IP         string    `gorm:"size:45;not null;default:0.0.0.0" json:"ip"`
	UserAgent  string    `json:"user_agent"`
	Expired    bool      `gorm:"not null;index;default:false" json:"expired"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) CacheKey() string { return "sessions_" + s.ID }

// CheckKey validates a session secret against its stored digest.
func (s *Session) CheckKey(secret string) bool {
	return checkSecret(s.KeyDigest, secret)
}

// IsExpired reports whether the session has outlived the idle lifetime.
// Persistent sessions only expire when explicitly marked.
func (s *Session) IsExpired(idle time.Duration) bool {
	if s.Expired {
		return true
	}
	if s.Persistent {
		return false
	}
	return time.Since(s.LastUsed) > idle
}
