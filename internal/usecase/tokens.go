package usecase

import (
	"fmt"
	"strings"

	"github.com/reelforge/reelforge/internal/domain"
)

// TokenAdmin manages the credential pool. All operations require the caller
// to be an admin; the handlers enforce that before calling in.
type TokenAdmin struct {
	repo      domain.TokenRepository
	dispenser domain.TokenDispenser
}

// NewTokenAdmin constructs a TokenAdmin.
func NewTokenAdmin(repo domain.TokenRepository, dispenser domain.TokenDispenser) *TokenAdmin {
	return &TokenAdmin{repo: repo, dispenser: dispenser}
}

// TokenView is a Token with pool health attached and the secret redacted.
type TokenView struct {
	domain.Token
	InCooldown bool
}

// List returns all tokens with cooldown state, secrets redacted.
func (a *TokenAdmin) List(ctx domain.Context) ([]TokenView, error) {
	tokens, err := a.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=token_admin.list: %w", err)
	}
	out := make([]TokenView, 0, len(tokens))
	for _, t := range tokens {
		t.Value = redact(t.Value)
		out = append(out, TokenView{Token: t, InCooldown: a.dispenser.InCooldown(t.ID)})
	}
	return out, nil
}

// Add registers one new credential.
func (a *TokenAdmin) Add(ctx domain.Context, value, label string) (domain.Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Token{}, fmt.Errorf("op=token_admin.add: empty token: %w", domain.ErrInvalidArgument)
	}
	t, err := a.repo.Create(ctx, value, strings.TrimSpace(label))
	if err != nil {
		return domain.Token{}, fmt.Errorf("op=token_admin.add: %w", err)
	}
	t.Value = redact(t.Value)
	return t, nil
}

// Delete removes a credential from the pool.
func (a *TokenAdmin) Delete(ctx domain.Context, id string) error {
	if err := a.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=token_admin.delete: %w", err)
	}
	return nil
}

// SetActive enables or disables a credential without deleting its counters.
func (a *TokenAdmin) SetActive(ctx domain.Context, id string, active bool) error {
	if err := a.repo.SetActive(ctx, id, active); err != nil {
		return fmt.Errorf("op=token_admin.set_active: %w", err)
	}
	return nil
}

// ReplaceAll swaps the entire pool atomically and resets the rotation
// cursor. Duplicate inputs are rejected.
func (a *TokenAdmin) ReplaceAll(ctx domain.Context, rawTokens []string) ([]domain.Token, error) {
	cleaned := make([]string, 0, len(rawTokens))
	for _, raw := range rawTokens {
		if v := strings.TrimSpace(raw); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("op=token_admin.replace_all: no tokens provided: %w", domain.ErrInvalidArgument)
	}
	tokens, err := a.repo.ReplaceAll(ctx, cleaned)
	if err != nil {
		return nil, fmt.Errorf("op=token_admin.replace_all: %w", err)
	}
	for i := range tokens {
		tokens[i].Value = redact(tokens[i].Value)
	}
	return tokens, nil
}

// Settings returns the shared rotation settings.
func (a *TokenAdmin) Settings(ctx domain.Context) (domain.TokenSettings, error) {
	s, err := a.repo.Settings(ctx)
	if err != nil {
		return domain.TokenSettings{}, fmt.Errorf("op=token_admin.settings: %w", err)
	}
	return s, nil
}

// UpdateSettings adjusts queue pacing; zero or negative values are rejected.
func (a *TokenAdmin) UpdateSettings(ctx domain.Context, s domain.TokenSettings) error {
	if s.VideosPerBatch <= 0 || s.BatchDelaySeconds < 0 {
		return fmt.Errorf("op=token_admin.update_settings: invalid pacing values: %w", domain.ErrInvalidArgument)
	}
	if err := a.repo.UpdateSettings(ctx, s); err != nil {
		return fmt.Errorf("op=token_admin.update_settings: %w", err)
	}
	return nil
}

// redact keeps the first and last four characters of a secret.
func redact(v string) string {
	if len(v) <= 12 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}
