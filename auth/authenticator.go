package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultBcryptCost = 12

	AuthorityNormal = "NORMAL"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
	ErrNoQuestion         = errors.New("no security question set")
)

type (
	// UserStore is the account backend the authenticator verifies against.
	UserStore interface {
		CreateUser(ctx context.Context, username, passwordHash, authority string) error
		UserByUsername(ctx context.Context, username string) (*model.User, error)
		UpdateUserPassword(ctx context.Context, username, passwordHash string) error
	}

	// QuestionStore keeps one password-recovery question per username.
	QuestionStore interface {
		CreateSecurityQuestion(ctx context.Context, question *model.SecurityQuestion) error
		UpdateSecurityQuestion(ctx context.Context, question *model.SecurityQuestion) error
		SecurityQuestionByUsername(ctx context.Context, username string) (*model.SecurityQuestion, error)
	}

	Claims struct {
		Authorities []string `json:"authorities,omitempty"`
		jwt.RegisteredClaims
	}

	Config struct {
		Users     UserStore
		Questions QuestionStore
		Sessions  *SessionStore
		SecretKey string
		TokenTTL  time.Duration
		Logger    *zerolog.Logger
	}

	// Authenticator verifies credentials and bearer tokens, yielding a
	// verified identity or rejecting. Login establishes both handshake
	// paths at once: a signed token and an HTTP session entry.
	Authenticator struct {
		users     UserStore
		questions QuestionStore
		sessions  *SessionStore
		secret    []byte
		tokenTTL  time.Duration
		logger    zerolog.Logger
	}
)

func NewAuthenticator(cfg Config) *Authenticator {
	return &Authenticator{
		users:     cfg.Users,
		questions: cfg.Questions,
		sessions:  cfg.Sessions,
		secret:    []byte(cfg.SecretKey),
		tokenTTL:  cfg.TokenTTL,
		logger:    cfg.Logger.With().Str("component", "auth").Logger(),
	}
}

func (a *Authenticator) Register(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), defaultBcryptCost)
	if err != nil {
		return err
	}
	return a.users.CreateUser(ctx, username, string(hash), AuthorityNormal)
}

// Login verifies the password and, on success, issues a bearer token and
// creates an HTTP session. The returned session id goes into the SESSION
// cookie.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, string, *model.Identity, error) {
	user, err := a.users.UserByUsername(ctx, username)
	if err != nil {
		return "", "", nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", "", nil, ErrInvalidCredentials
	}

	ident := &model.Identity{
		Username:    user.Username,
		Authorities: []string{user.Authority},
	}
	token, err := a.issueToken(ident)
	if err != nil {
		return "", "", nil, err
	}
	sessionID := a.sessions.Create(ident)

	a.logger.Info().Str("username", username).Msg("login succeeded")
	return token, sessionID, ident, nil
}

func (a *Authenticator) Logout(sessionID string) {
	a.sessions.Delete(sessionID)
}

// UpdatePassword replaces the account's password. Part of the recovery
// flow, so it takes no old password; callers gate it with VerifyAnswer.
func (a *Authenticator) UpdatePassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), defaultBcryptCost)
	if err != nil {
		return err
	}
	if err = a.users.UpdateUserPassword(ctx, username, string(hash)); err != nil {
		return err
	}
	a.logger.Info().Str("username", username).Msg("password updated")
	return nil
}

// SetSecurityQuestion stores the user's recovery question with a hashed
// answer. A user has at most one question.
func (a *Authenticator) SetSecurityQuestion(ctx context.Context, username, question, answer string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(answer), defaultBcryptCost)
	if err != nil {
		return err
	}
	return a.questions.CreateSecurityQuestion(ctx, &model.SecurityQuestion{
		Username:   username,
		Question:   question,
		AnswerHash: string(hash),
	})
}

// UpdateSecurityQuestion replaces the user's recovery question and answer.
func (a *Authenticator) UpdateSecurityQuestion(ctx context.Context, username, question, answer string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(answer), defaultBcryptCost)
	if err != nil {
		return err
	}
	return a.questions.UpdateSecurityQuestion(ctx, &model.SecurityQuestion{
		Username:   username,
		Question:   question,
		AnswerHash: string(hash),
	})
}

// SecurityQuestion returns the user's recovery question text.
func (a *Authenticator) SecurityQuestion(ctx context.Context, username string) (string, error) {
	question, err := a.questions.SecurityQuestionByUsername(ctx, username)
	if err != nil {
		return "", ErrNoQuestion
	}
	return question.Question, nil
}

// VerifyAnswer checks a recovery answer. A wrong answer is a valid
// outcome (false, nil); only a missing question is an error.
func (a *Authenticator) VerifyAnswer(ctx context.Context, username, answer string) (bool, error) {
	question, err := a.questions.SecurityQuestionByUsername(ctx, username)
	if err != nil {
		return false, ErrNoQuestion
	}
	return bcrypt.CompareHashAndPassword([]byte(question.AnswerHash), []byte(answer)) == nil, nil
}

func (a *Authenticator) issueToken(ident *model.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		Authorities: ident.Authorities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// VerifyToken validates a bearer token and returns the identity it names.
func (a *Authenticator) VerifyToken(tokenString string) (*model.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &model.Identity{
		Username:    claims.Subject,
		Authorities: claims.Authorities,
	}, nil
}
