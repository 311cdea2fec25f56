package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockpos/backend/internal/domain"
	"stockpos/backend/internal/store"
)

const userRefreshTimeout = 3 * time.Second

var errInvalidCredentials = errors.New("invalid credentials")

type AuthManager struct {
	mu        sync.RWMutex
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
	users     map[string]credential
	logger    *zap.Logger
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	UpdateUser(ctx context.Context, user domain.UserAccount) error
}

type credential struct {
	password string
	role     string
	location string
	active   bool
	created  time.Time
}

type stockClaims struct {
	jwtlib.RegisteredClaims
	Role       string `json:"role"`
	LocationID string `json:"loc,omitempty"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore, logger *zap.Logger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		users:     make(map[string]credential),
		logger:    logger.Named("auth"),
	}
	manager.refreshUsers(context.Background())
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refreshUsers(ctx)

	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, cred.location, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken:        token,
		Role:               cred.role,
		AssignedLocationID: cred.location,
		ExpiresAt:          expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &stockClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role, AssignedLocationID: claims.LocationID}, nil
}

func (a *AuthManager) sign(username, role, locationID string, expiresAt time.Time) (string, error) {
	claims := stockClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "stockpos",
		},
		Role:       role,
		LocationID: locationID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CreateUser registers a new account. Store and cashier users should carry an
// assigned location so sales and receipts are scoped to it.
func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserSummary, error) {
	a.refreshUsers(ctx)

	username := strings.ToLower(strings.TrimSpace(req.Username))
	role := strings.ToUpper(strings.TrimSpace(req.Role))
	location := strings.TrimSpace(req.AssignedLocationID)
	if len(username) < 4 {
		return domain.UserSummary{}, fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.UserSummary{}, fmt.Errorf("username must not contain spaces")
	}
	if len(req.Password) < 6 {
		return domain.UserSummary{}, fmt.Errorf("password must be at least 6 characters")
	}
	if !slices.Contains([]string{domain.RoleAdmin, domain.RoleManager, domain.RoleCashier}, role) {
		return domain.UserSummary{}, fmt.Errorf("role must be ADMIN, MANAGER or CASHIER")
	}
	if role == domain.RoleCashier && location == "" {
		return domain.UserSummary{}, fmt.Errorf("cashiers need an assigned_location_id")
	}

	a.mu.RLock()
	_, exists := a.users[username]
	a.mu.RUnlock()
	if exists {
		return domain.UserSummary{}, fmt.Errorf("username already exists")
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserSummary{}, fmt.Errorf("failed to hash password")
	}
	now := time.Now().UTC()

	if a.userStore != nil {
		err := a.userStore.CreateUser(ctx, domain.UserAccount{
			Username:           username,
			Password:           passwordHash,
			Role:               role,
			AssignedLocationID: location,
			Active:             true,
			CreatedAt:          now,
		})
		if err != nil {
			return domain.UserSummary{}, err
		}
	}

	a.mu.Lock()
	a.users[username] = credential{password: passwordHash, role: role, location: location, active: true, created: now}
	a.mu.Unlock()

	a.logger.Info("user created", zap.String("username", username), zap.String("role", role))
	return domain.UserSummary{
		Username:           username,
		Role:               role,
		AssignedLocationID: location,
		Active:             true,
		CreatedAt:          now,
	}, nil
}

// UpdateUser changes the role, assigned location or active flag of an existing
// account. Tokens already issued keep their claims until they expire.
func (a *AuthManager) UpdateUser(ctx context.Context, username string, req domain.UserUpdateRequest) (domain.UserSummary, error) {
	a.refreshUsers(ctx)

	username = strings.ToLower(strings.TrimSpace(username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return domain.UserSummary{}, fmt.Errorf("%w: unknown user %s", store.ErrNotFound, username)
	}

	if req.Role != nil {
		cred.role = strings.ToUpper(strings.TrimSpace(*req.Role))
	}
	if req.AssignedLocationID != nil {
		cred.location = strings.TrimSpace(*req.AssignedLocationID)
	}
	if req.Active != nil {
		cred.active = *req.Active
	}
	if !slices.Contains([]string{domain.RoleAdmin, domain.RoleManager, domain.RoleCashier}, cred.role) {
		return domain.UserSummary{}, fmt.Errorf("%w: role must be ADMIN, MANAGER or CASHIER", store.ErrInvalidInput)
	}
	if cred.role == domain.RoleCashier && cred.location == "" {
		return domain.UserSummary{}, fmt.Errorf("%w: cashiers need an assigned_location_id", store.ErrInvalidInput)
	}

	if a.userStore != nil {
		err := a.userStore.UpdateUser(ctx, domain.UserAccount{
			Username:           username,
			Role:               cred.role,
			AssignedLocationID: cred.location,
			Active:             cred.active,
		})
		if err != nil {
			return domain.UserSummary{}, err
		}
	}

	a.mu.Lock()
	a.users[username] = cred
	a.mu.Unlock()

	a.logger.Info("user updated",
		zap.String("username", username),
		zap.String("role", cred.role),
		zap.Bool("active", cred.active),
	)
	return domain.UserSummary{
		Username:           username,
		Role:               cred.role,
		AssignedLocationID: cred.location,
		Active:             cred.active,
		CreatedAt:          cred.created,
	}, nil
}

func (a *AuthManager) ListUsers(ctx context.Context) []domain.UserSummary {
	a.refreshUsers(ctx)

	a.mu.RLock()
	result := make([]domain.UserSummary, 0, len(a.users))
	for username, user := range a.users {
		result = append(result, domain.UserSummary{
			Username:           username,
			Role:               user.role,
			AssignedLocationID: user.location,
			Active:             user.active,
			CreatedAt:          user.created,
		})
	}
	a.mu.RUnlock()

	slices.SortFunc(result, func(x, y domain.UserSummary) int {
		return strings.Compare(x.Username, y.Username)
	})
	return result
}

// refreshUsers reloads accounts from the user store so users added by other
// instances can log in. Plain-text passwords found in the store are upgraded
// to bcrypt hashes in place.
func (a *AuthManager) refreshUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, userRefreshTimeout)
	defer cancel()

	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		a.logger.Warn("user refresh failed", zap.Error(err))
		return
	}
	if len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				if err := a.userStore.UpdateUserPassword(ctx, username, hashed); err != nil {
					a.logger.Warn("password upgrade failed", zap.String("username", username), zap.Error(err))
				}
			}
		}
		a.users[username] = credential{
			password: password,
			role:     strings.ToUpper(user.Role),
			location: user.AssignedLocationID,
			active:   user.Active,
			created:  user.CreatedAt,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
