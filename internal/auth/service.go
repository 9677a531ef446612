package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lanchego/internal/canteen"
)

// Settings configures token issuance.
type Settings struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// OperatorStore is the persistence the auth service needs.
type OperatorStore interface {
	GetOperator(ctx context.Context, id int64) (canteen.Operator, error)
	GetOperatorByUsername(ctx context.Context, username string) (canteen.Operator, error)
	SaveRefreshToken(ctx context.Context, operatorID int64, token string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string) (int64, error)
}

// Service logs operators in and rotates their tokens.
type Service struct {
	store    OperatorStore
	settings Settings
}

func NewService(store OperatorStore, settings Settings) *Service {
	return &Service{store: store, settings: settings}
}

// Login checks username and password and issues a token pair.
func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, canteen.Operator, error) {
	op, err := s.store.GetOperatorByUsername(ctx, username)
	if errors.Is(err, canteen.ErrNotFound) {
		return TokenPair{}, canteen.Operator{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, canteen.Operator{}, err
	}
	if err := CheckPassword(op.PasswordHash, password); err != nil {
		return TokenPair{}, canteen.Operator{}, err
	}
	pair, err := s.issue(ctx, op)
	return pair, op, err
}

// Refresh trades a live refresh token for a new pair. Each refresh token
// works once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := Parse(refreshToken, s.settings.SigningKey, s.settings.Issuer)
	if err != nil || claims.TokenType != TokenRefresh {
		return TokenPair{}, ErrInvalidToken
	}
	operatorID, err := s.store.ConsumeRefreshToken(ctx, refreshToken)
	if errors.Is(err, canteen.ErrNotFound) {
		return TokenPair{}, ErrInvalidToken
	}
	if err != nil {
		return TokenPair{}, err
	}
	op, err := s.store.GetOperator(ctx, operatorID)
	if err != nil {
		return TokenPair{}, err
	}
	return s.issue(ctx, op)
}

// IssueFor mints tokens after a biometric login.
func (s *Service) IssueFor(ctx context.Context, op canteen.Operator) (string, string, error) {
	pair, err := s.issue(ctx, op)
	return pair.AccessToken, pair.RefreshToken, err
}

// VerifyPassword checks password against the operator's stored hash.
func (s *Service) VerifyPassword(ctx context.Context, operatorID int64, password string) (canteen.Operator, error) {
	op, err := s.store.GetOperator(ctx, operatorID)
	if errors.Is(err, canteen.ErrNotFound) {
		return canteen.Operator{}, ErrInvalidCredentials
	}
	if err != nil {
		return canteen.Operator{}, err
	}
	if err := CheckPassword(op.PasswordHash, password); err != nil {
		return canteen.Operator{}, err
	}
	return op, nil
}

func (s *Service) issue(ctx context.Context, op canteen.Operator) (TokenPair, error) {
	pair, err := Issue(Identity{OperatorID: op.ID, Username: op.Username, Admin: op.IsAdmin},
		s.settings.Issuer, s.settings.SigningKey, s.settings.AccessTTL, s.settings.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.SaveRefreshToken(ctx, op.ID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}
