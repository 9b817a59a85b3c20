package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"storefront/models"
	"storefront/repository"
)

const maxSecurityPage = 500

// SecurityLog records failed admin authentication attempts.
type SecurityLog struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewSecurityLog(logger *zap.Logger, now func() time.Time) *SecurityLog {
	return &SecurityLog{logger: logger, now: now}
}

func (s *SecurityLog) Record(ctx context.Context, tx repository.Tx, f models.FailedLogin) (*models.SecurityLogEntry, error) {
	identity := strings.TrimSpace(f.Identity)
	if identity == "" {
		identity = "anonymous"
	}
	e := &models.SecurityLogEntry{
		Identity:  truncate(identity, 255),
		Source:    truncate(f.Source, 255),
		Outcome:   models.OutcomeFailed,
		Reason:    truncate(f.Reason, 255),
		CreatedAt: s.now(),
	}
	if err := tx.AppendSecurityEntry(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Warn("Failed admin login",
		zap.String("identity", e.Identity),
		zap.String("source", e.Source),
		zap.String("reason", e.Reason))
	return e, nil
}

// List returns entries newest first. A zero limit means the whole log.
func (s *SecurityLog) List(ctx context.Context, tx repository.Tx, page models.Page) ([]models.SecurityLogEntry, error) {
	limit := min(page.Limit, maxSecurityPage)
	return tx.ListSecurityEntries(ctx, limit, max(page.Offset, 0))
}

func (s *SecurityLog) Clear(ctx context.Context, tx repository.Tx) (int64, error) {
	n, err := tx.ClearSecurityEntries(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Security log cleared", zap.Int64("entries", n))
	return n, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
