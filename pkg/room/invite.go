package room

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ValidateInvite reports why inv cannot be used at now, or nil if it can.
// Both expiry and usage are evaluated; an invite that is both expired and
// exhausted reports ErrInviteExpired so it never looks renewable.
func ValidateInvite(inv Invite, now time.Time) error {
	if inv.Revoked {
		return ErrInviteRevoked
	}
	expired := !inv.ExpiresAt.IsZero() && now.After(inv.ExpiresAt)
	exhausted := inv.MaxUses > 0 && inv.UsedCount >= inv.MaxUses
	switch {
	case expired:
		return ErrInviteExpired
	case exhausted:
		return ErrInviteExhausted
	default:
		return nil
	}
}

// InviteManager issues and resolves invites through the backend. Codes are
// minted and counted server-side; the manager never creates tokens itself.
type InviteManager struct {
	api       InviteAPI
	sessionID string
	baseURL   string
	now       func() time.Time
	logger    *zap.Logger
}

// NewInviteManager creates a manager for sessionID. baseURL is the prefix of
// shareable invite links, e.g. https://app.example.com/invite.
func NewInviteManager(api InviteAPI, sessionID, baseURL string, logger *zap.Logger) *InviteManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InviteManager{
		api:       api,
		sessionID: sessionID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
		logger:    logger.Named("invites"),
	}
}

// Generate asks the backend for a new invite.
func (m *InviteManager) Generate(ctx context.Context, role Role, expiresInHours, maxUses int) (*Invite, error) {
	switch role {
	case RolePresenter, RoleParticipant, RoleObserver:
	case RoleHost:
		return nil, ErrInvalidInvite.withMessage("invites cannot grant the host role")
	default:
		return nil, ErrInvalidInvite.withMessage(fmt.Sprintf("unknown role %q", role))
	}
	if expiresInHours <= 0 {
		return nil, ErrInvalidInvite.withMessage("expiry must be at least one hour")
	}
	if maxUses < 1 {
		return nil, ErrInvalidInvite.withMessage("max uses must be at least one")
	}
	if m.sessionID == "" {
		return nil, ErrInvalidSession
	}

	inv, err := m.api.GenerateInvite(ctx, m.sessionID, InviteRequest{
		Role:           role,
		ExpiresInHours: expiresInHours,
		MaxUses:        maxUses,
	})
	if err != nil {
		return nil, fmt.Errorf("generate invite: %w", err)
	}
	m.logger.Info("invite generated",
		zap.String("invite", inv.ID),
		zap.String("role", string(inv.Role)),
		zap.Time("expiresAt", inv.ExpiresAt),
		zap.Int("maxUses", inv.MaxUses))
	return inv, nil
}

// Revoke permanently disables an invite.
func (m *InviteManager) Revoke(ctx context.Context, inviteID string) error {
	if err := m.api.RevokeInvite(ctx, m.sessionID, inviteID); err != nil {
		return fmt.Errorf("revoke invite: %w", err)
	}
	m.logger.Info("invite revoked", zap.String("invite", inviteID))
	return nil
}

// List returns the session's invites.
func (m *InviteManager) List(ctx context.Context) ([]Invite, error) {
	invites, err := m.api.ListInvites(ctx, m.sessionID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return invites, nil
}

// Preview resolves code and validates it without consuming a use.
func (m *InviteManager) Preview(ctx context.Context, code string) (*InviteResolution, error) {
	res, err := m.api.GetInvite(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("resolve invite: %w", err)
	}
	if err := ValidateInvite(res.Invite, m.now()); err != nil {
		return nil, err
	}
	return res, nil
}

// Resolve validates code and consumes one use of it.
func (m *InviteManager) Resolve(ctx context.Context, code string) (*InviteResolution, error) {
	if _, err := m.Preview(ctx, code); err != nil {
		return nil, err
	}
	res, err := m.api.AcceptInvite(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("accept invite: %w", err)
	}
	m.logger.Info("invite accepted",
		zap.String("invite", res.Invite.ID),
		zap.Int("usedCount", res.Invite.UsedCount))
	return res, nil
}

// SetClock replaces the clock used to judge expiry. The backend decides on
// accept; this check only spares a request for a link that is already dead.
// Call it before the manager is shared.
func (m *InviteManager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// URL builds the shareable link for code.
func (m *InviteManager) URL(code string) string {
	return m.baseURL + "/" + url.PathEscape(code)
}
