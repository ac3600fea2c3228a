package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	pulsar "github.com/sharebears/pulsar-core"
	"github.com/sharebears/pulsar-core/cache"
)

// touchInterval throttles last-used bookkeeping writes on hot credentials.
const touchInterval = 2 * time.Minute

// Store loads and persists identity models. Reads go through the cache
// (cache-aside); writes invalidate the affected keys. Store implements
// pulsar.IdentityResolver for the authentication hook.
type Store struct {
	db    *gorm.DB
	cache *cache.Cache
	cfg   *pulsar.Config
}

// NewStore assembles a store over an opened database and cache.
func NewStore(db *gorm.DB, c *cache.Cache, cfg *pulsar.Config) *Store {
	if cfg == nil {
		cfg = pulsar.DefaultConfig()
	}
	return &Store{db: db, cache: c, cfg: cfg}
}

// Open connects to a postgres database.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// Migrate creates or updates the identity tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&User{}, &UserClass{}, &UserPermission{}, &APIKey{}, &Session{})
}

// DB exposes the underlying handle for domain packages building on the store.
func (s *Store) DB() *gorm.DB { return s.db }

// fetch implements cache-aside loading: cache hit wins, otherwise load from
// the database and populate the cache. A nil result without error means the
// row does not exist.
func fetch[T any](ctx context.Context, s *Store, key string, load func() (*T, error)) (*T, error) {
	out := new(T)
	if ok, _ := s.cache.Get(ctx, key, out); ok {
		return out, nil
	}
	obj, err := load()
	if err != nil || obj == nil {
		return nil, err
	}
	s.cache.Set(ctx, key, obj, 0)
	return obj, nil
}

func first[T any](ctx context.Context, s *Store, cond ...any) (*T, error) {
	var obj T
	err := s.db.WithContext(ctx).First(&obj, cond...).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// Cached credential records re-carry the secret digests that the models'
// json tags strip from envelopes. Without them a cache hit would hold an
// empty digest and reject the valid secret.
type userRecord struct {
	User     User   `json:"user"`
	Passhash string `json:"passhash"`
}

type apiKeyRecord struct {
	Key       APIKey `json:"key"`
	KeyDigest string `json:"key_digest"`
}

type sessionRecord struct {
	Session   Session `json:"session"`
	KeyDigest string  `json:"key_digest"`
	CSRFToken string  `json:"csrf_token"`
}

func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	rec, err := fetch(ctx, s, fmt.Sprintf("users_%d", id), func() (*userRecord, error) {
		u, err := first[User](ctx, s, id)
		if err != nil || u == nil {
			return nil, err
		}
		return &userRecord{User: *u, Passhash: u.Passhash}, nil
	})
	if err != nil || rec == nil {
		return nil, err
	}
	u := rec.User
	u.Passhash = rec.Passhash
	return &u, nil
}

// UserByUsername looks a user up case-insensitively. Not cached: it only
// serves login, which is rare relative to credential resolution.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	return first[User](ctx, s, "lower(username) = lower(?)", username)
}

func (s *Store) UserClassByID(ctx context.Context, id int64) (*UserClass, error) {
	return fetch(ctx, s, fmt.Sprintf("user_classes_%d", id), func() (*UserClass, error) {
		return first[UserClass](ctx, s, id)
	})
}

func (s *Store) APIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	rec, err := fetch(ctx, s, "api_keys_"+hash, func() (*apiKeyRecord, error) {
		k, err := first[APIKey](ctx, s, "hash = ?", hash)
		if err != nil || k == nil {
			return nil, err
		}
		return &apiKeyRecord{Key: *k, KeyDigest: k.KeyDigest}, nil
	})
	if err != nil || rec == nil {
		return nil, err
	}
	k := rec.Key
	k.KeyDigest = rec.KeyDigest
	return &k, nil
}

func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	rec, err := fetch(ctx, s, "sessions_"+id, func() (*sessionRecord, error) {
		sess, err := first[Session](ctx, s, "id = ?", id)
		if err != nil || sess == nil {
			return nil, err
		}
		return &sessionRecord{Session: *sess, KeyDigest: sess.KeyDigest, CSRFToken: sess.CSRFToken}, nil
	})
	if err != nil || rec == nil {
		return nil, err
	}
	sess := rec.Session
	sess.KeyDigest = rec.KeyDigest
	sess.CSRFToken = rec.CSRFToken
	return &sess, nil
}

// Permissions resolves a user's effective permission set: class permissions
// adjusted by per-user grants and revocations. Locked accounts are restricted
// to the configured locked permission set regardless of class.
func (s *Store) Permissions(ctx context.Context, u *User) (map[string]bool, error) {
	if u.Locked {
		return setOf(s.cfg.LockedPermissions), nil
	}
	key := fmt.Sprintf("users_%d_permissions", u.ID)
	var cached []string
	if ok, _ := s.cache.Get(ctx, key, &cached); ok {
		return setOf(cached), nil
	}

	var classPerms []string
	uc, err := s.UserClassByID(ctx, u.UserClassID)
	if err != nil {
		return nil, err
	}
	if uc != nil {
		classPerms = uc.Permissions
	}
	var overrides []UserPermission
	if err := s.db.WithContext(ctx).Where("user_id = ?", u.ID).Find(&overrides).Error; err != nil {
		return nil, err
	}

	perms := MergePermissions(classPerms, overrides)
	s.cache.Set(ctx, key, namesOf(perms), 0)
	return perms, nil
}

// MergePermissions applies per-user grants and revocations over a class
// permission list.
func MergePermissions(classPerms []string, overrides []UserPermission) map[string]bool {
	perms := setOf(classPerms)
	for _, o := range overrides {
		if o.Granted {
			perms[o.Permission] = true
		} else {
			delete(perms, o.Permission)
		}
	}
	return perms
}

func setOf(lst []string) map[string]bool {
	m := make(map[string]bool, len(lst))
	for _, p := range lst {
		m[p] = true
	}
	return m
}

func namesOf(m map[string]bool) []string {
	lst := make([]string, 0, len(m))
	for p := range m {
		lst = append(lst, p)
	}
	return lst
}

// APIKey resolves an "Authorization: Token <key>" credential. It implements
// the api key half of pulsar.IdentityResolver.
func (s *Store) APIKey(ctx context.Context, raw string, meta pulsar.RequestMeta) (*pulsar.Identity, error) {
	if len(raw) <= credIDLength {
		return nil, pulsar.ErrUnauthenticated
	}
	k, err := s.APIKeyByHash(ctx, raw[:credIDLength])
	if err != nil {
		return nil, err
	}
	if k == nil || k.Revoked || !k.CheckKey(raw[credIDLength:]) {
		return nil, pulsar.ErrUnauthenticated
	}
	if !k.Permanent && s.cfg.APIKeyLifetime > 0 && time.Since(k.LastUsed) > s.cfg.APIKeyLifetime {
		s.expireAPIKey(ctx, k)
		return nil, pulsar.ErrUnauthenticated
	}

	u, perms, err := s.resolveUser(ctx, k.UserID)
	if err != nil {
		return nil, err
	}
	if len(k.Permissions) > 0 {
		// keys may carry their own narrower permission list
		perms = setOf(k.Permissions)
	}
	if perms[pulsar.PermNoIPHistory] {
		meta.IP = pulsar.NoIPSentinel
	}
	s.touchAPIKey(ctx, k, meta)

	return &pulsar.Identity{
		User:        u,
		UserID:      u.ID,
		KeyID:       k.Hash,
		Method:      pulsar.AuthAPIKey,
		Permissions: perms,
	}, nil
}

// Session resolves a session cookie credential. It implements the session
// half of pulsar.IdentityResolver.
func (s *Store) Session(ctx context.Context, raw string, meta pulsar.RequestMeta) (*pulsar.Identity, error) {
	if len(raw) <= credIDLength {
		return nil, pulsar.ErrUnauthenticated
	}
	sess, err := s.SessionByID(ctx, raw[:credIDLength])
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.CheckKey(raw[credIDLength:]) {
		return nil, pulsar.ErrUnauthenticated
	}
	if sess.IsExpired(s.cfg.SessionLifetime) {
		s.ExpireSession(ctx, sess)
		return nil, pulsar.ErrUnauthenticated
	}

	u, perms, err := s.resolveUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if perms[pulsar.PermNoIPHistory] {
		meta.IP = pulsar.NoIPSentinel
	}
	s.touchSession(ctx, sess, meta)

	return &pulsar.Identity{
		User:        u,
		UserID:      u.ID,
		KeyID:       sess.ID,
		Method:      pulsar.AuthSession,
		CSRFToken:   sess.CSRFToken,
		Permissions: perms,
	}, nil
}

func (s *Store) resolveUser(ctx context.Context, id int64) (*User, map[string]bool, error) {
	u, err := s.UserByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if u == nil {
		return nil, nil, pulsar.ErrUnauthenticated
	}
	if !u.Enabled {
		return nil, nil, pulsar.ErrAccountDisabled
	}
	perms, err := s.Permissions(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	return u, perms, nil
}

// touchAPIKey records last-used metadata against the key. Writes are gated so
// a busy key only hits the database every touchInterval, unless the caller's
// address or agent changed.
func (s *Store) touchAPIKey(ctx context.Context, k *APIKey, meta pulsar.RequestMeta) {
	gate := "api_keys_" + k.Hash + "_updated"
	if ok, _ := s.cache.Get(ctx, gate, nil); ok && k.IP == meta.IP && k.UserAgent == meta.UserAgent {
		return
	}
	now := time.Now().UTC()
	s.db.WithContext(ctx).Model(k).Updates(map[string]any{
		"last_used": now, "ip": meta.IP, "user_agent": meta.UserAgent,
	})
	k.LastUsed, k.IP, k.UserAgent = now, meta.IP, meta.UserAgent
	s.cache.Delete(ctx, k.CacheKey())
	s.cache.Set(ctx, gate, 1, touchInterval)
}

func (s *Store) touchSession(ctx context.Context, sess *Session, meta pulsar.RequestMeta) {
	gate := "sessions_" + sess.ID + "_updated"
	if ok, _ := s.cache.Get(ctx, gate, nil); ok && sess.IP == meta.IP && sess.UserAgent == meta.UserAgent {
		return
	}
	now := time.Now().UTC()
	s.db.WithContext(ctx).Model(sess).Updates(map[string]any{
		"last_used": now, "ip": meta.IP, "user_agent": meta.UserAgent,
	})
	sess.LastUsed, sess.IP, sess.UserAgent = now, meta.IP, meta.UserAgent
	s.cache.Delete(ctx, sess.CacheKey())
	s.cache.Set(ctx, gate, 1, touchInterval)
}

func (s *Store) expireAPIKey(ctx context.Context, k *APIKey) {
	s.db.WithContext(ctx).Model(k).Update("revoked", true)
	s.cache.Delete(ctx, k.CacheKey())
}

// ExpireSession marks a session dead and drops it from the cache.
func (s *Store) ExpireSession(ctx context.Context, sess *Session) error {
	if err := s.db.WithContext(ctx).Model(sess).Update("expired", true).Error; err != nil {
		return err
	}
	sess.Expired = true
	return s.cache.Delete(ctx, sess.CacheKey())
}

// NewUser creates an account in the default user class.
func (s *Store) NewUser(ctx context.Context, username, password, email string) (*User, error) {
	u := &User{Username: username, Email: email, Enabled: true, UserClassID: 1}
	if err := u.SetPassword(password); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

// NewAPIKey mints an api key for a user and returns the full key material.
// The raw key is only available here; the store keeps a digest.
func (s *Store) NewAPIKey(ctx context.Context, userID int64, meta pulsar.RequestMeta, permanent bool, perms ...string) (string, *APIKey, error) {
	secret := randomToken(credSecretLength)
	k := &APIKey{
		UserID:      userID,
		KeyDigest:   digestSecret(secret),
		LastUsed:    time.Now().UTC(),
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Permanent:   permanent,
		Permissions: perms,
	}
	err := s.withUniqueID(ctx, &APIKey{}, "hash", func(id string) error {
		k.Hash = id
		return s.db.WithContext(ctx).Create(k).Error
	})
	if err != nil {
		return "", nil, err
	}
	return k.Hash + secret, k, nil
}

// NewSession mints a session for a user and returns the full cookie value.
func (s *Store) NewSession(ctx context.Context, userID int64, meta pulsar.RequestMeta, persistent bool) (string, *Session, error) {
	secret := randomToken(credSecretLength)
	sess := &Session{
		UserID:     userID,
		KeyDigest:  digestSecret(secret),
		CSRFToken:  randomToken(csrfTokenLength),
		Persistent: persistent,
		LastUsed:   time.Now().UTC(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	}
	err := s.withUniqueID(ctx, &Session{}, "id", func(id string) error {
		sess.ID = id
		return s.db.WithContext(ctx).Create(sess).Error
	})
	if err != nil {
		return "", nil, err
	}
	return sess.ID + secret, sess, nil
}

// withUniqueID retries create with fresh random ids until one does not
// collide with an existing row, dead ones included.
func (s *Store) withUniqueID(ctx context.Context, model any, idColumn string, create func(id string) error) error {
	for i := 0; ; i++ {
		id := randomToken(credIDLength)
		var n int64
		if err := s.db.WithContext(ctx).Model(model).Where(idColumn+" = ?", id).Limit(1).Count(&n).Error; err == nil && n > 0 {
			continue
		}
		err := create(id)
		if err == nil {
			return nil
		}
		if i >= 4 {
			return err
		}
	}
}

// RevokeAPIKey marks one of a user's keys revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, userID int64, hash string) error {
	res := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("hash = ? AND user_id = ? AND revoked = false", hash, userID).
		Update("revoked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pulsar.ErrNotFound
	}
	return s.cache.Delete(ctx, "api_keys_"+hash)
}

// APIKeysOfUser lists a user's active keys, paginated from the request
// parameters when called under a request context.
func (s *Store) APIKeysOfUser(ctx context.Context, userID int64) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).
		Scopes(pulsar.Paginate(ctx, 25)).
		Where("user_id = ? AND revoked = false", userID).
		Order("last_used desc").
		Find(&keys).Error
	return keys, err
}
