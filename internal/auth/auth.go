// Package auth issues and verifies session tokens and owns password
// hashing. Tokens are HMAC-signed, timestamped and expire after a fixed TTL.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/parley/internal/apperr"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("auth")

const (
	tokenName         = "parley-session"
	DefaultTTL        = 7 * 24 * time.Hour
	MinPasswordLen    = 6
	maxPasswordLen    = 72 // bcrypt input limit
	defaultBcryptCost = bcrypt.DefaultCost
)

var (
	ErrInvalidCredentials = apperr.Unauthenticated("invalid username or password")
	ErrInvalidToken       = apperr.Unauthenticated("invalid or expired token")
	ErrWeakPassword       = apperr.InvalidArg("password must be 6-72 characters")
	ErrInvalidEmail       = apperr.InvalidArg("email address is invalid")
)

// Users is the part of the user table auth needs.
type Users interface {
	CreateUser(u chat.User) (chat.User, error)
	User(username string) (chat.User, bool)
	PasswordHash(username string) (string, bool)
	SetPasswordHash(username, hash string) error
}

type Options struct {
	// Secret signs tokens. Empty generates a random key; tokens then die
	// with the process.
	Secret     string
	TTL        time.Duration
	BcryptCost int
	Now        func() time.Time
}

type Service struct {
	users Users
	codec *securecookie.SecureCookie
	ttl   time.Duration
	cost  int
	now   func() time.Time

	dummyHash []byte
}

type claims struct {
	Username  string `json:"u"`
	UserID    string `json:"id"`
	ExpiresAt int64  `json:"exp"`
}

func New(users Users, opt Options) *Service {
	if opt.TTL <= 0 {
		opt.TTL = DefaultTTL
	}
	if opt.BcryptCost == 0 {
		opt.BcryptCost = defaultBcryptCost
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	key := []byte(opt.Secret)
	if len(key) == 0 {
		log.Warn("no auth secret configured, using a random key; tokens will not survive a restart")
		key = securecookie.GenerateRandomKey(32)
	}
	codec := securecookie.New(key, nil)
	codec.MaxAge(int(opt.TTL / time.Second))
	codec.SetSerializer(securecookie.JSONEncoder{})

	dummy, _ := bcrypt.GenerateFromPassword([]byte("parley-dummy-password"), bcrypt.MinCost)
	return &Service{
		users:     users,
		codec:     codec,
		ttl:       opt.TTL,
		cost:      opt.BcryptCost,
		now:       opt.Now,
		dummyHash: dummy,
	}
}

// RegisterRequest is the sign-up form.
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Register creates a user and returns it with a fresh token.
func (s *Service) Register(req RegisterRequest) (chat.User, string, error) {
	username, err := util.ValidateUsername(req.Username)
	if err != nil {
		return chat.User{}, "", apperr.InvalidArg(err.Error())
	}
	if err := checkPassword(req.Password); err != nil {
		return chat.User{}, "", err
	}
	email := strings.TrimSpace(req.Email)
	if email != "" && !strings.Contains(email, "@") {
		return chat.User{}, "", ErrInvalidEmail
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return chat.User{}, "", apperr.Wrap(apperr.CodeInternal, "hash password", err)
	}
	u, err := s.users.CreateUser(chat.User{
		Username:     username,
		Email:        email,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(hash),
	})
	if err != nil {
		return chat.User{}, "", err
	}
	token, err := s.Issue(u)
	if err != nil {
		return chat.User{}, "", err
	}
	return u, token, nil
}

// Login checks credentials and returns the user with a fresh token.
func (s *Service) Login(username, password string) (chat.User, string, error) {
	username = util.NormalizeUsername(username)
	u, ok := s.users.User(username)
	if !ok || u.PasswordHash == "" {
		// Keep the timing of unknown users close to a wrong password.
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return chat.User{}, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return chat.User{}, "", ErrInvalidCredentials
	}
	token, err := s.Issue(u)
	if err != nil {
		return chat.User{}, "", err
	}
	log.Infof("%s logged in", username)
	return u, token, nil
}

// ChangePassword replaces username's password after checking the old one.
func (s *Service) ChangePassword(username, oldPassword, newPassword string) error {
	hash, ok := s.users.PasswordHash(username)
	if !ok {
		return chat.ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if err := checkPassword(newPassword); err != nil {
		return err
	}
	next, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "hash password", err)
	}
	return s.users.SetPasswordHash(username, string(next))
}

// Issue signs a token for u.
func (s *Service) Issue(u chat.User) (string, error) {
	token, err := s.codec.Encode(tokenName, claims{
		Username:  u.Username,
		UserID:    u.ID,
		ExpiresAt: s.now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "sign token", err)
	}
	return token, nil
}

// Verify returns the username a token was issued to. Tokens of deleted or
// re-created users are rejected.
func (s *Service) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	var c claims
	if err := s.codec.Decode(tokenName, token, &c); err != nil {
		return "", ErrInvalidToken
	}
	if s.now().Unix() >= c.ExpiresAt {
		return "", ErrInvalidToken
	}
	u, ok := s.users.User(c.Username)
	if !ok || u.ID != c.UserID {
		return "", ErrInvalidToken
	}
	return u.Username, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter (browsers cannot set headers
// on a websocket upgrade).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return r.URL.Query().Get("token")
}

func checkPassword(pw string) error {
	if len(pw) < MinPasswordLen || len(pw) > maxPasswordLen {
		return ErrWeakPassword
	}
	return nil
}
