// internal/services/archive_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/needlink/escrow-backend/internal/config"
	"github.com/needlink/escrow-backend/internal/models"
	"github.com/needlink/escrow-backend/internal/repository"
)

// ArchiveService exports audit-log date ranges as JSON objects to S3 so the
// hot table can be pruned by an external retention job.
type ArchiveService struct {
	audit    repository.AuditLogRepository
	s3Client *s3.S3
	config   *config.Config
}

type ArchiveResult struct {
	Key        string    `json:"key"`
	EntryCount int       `json:"entry_count"`
	Size       int64     `json:"size"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}

func NewArchiveService(audit repository.AuditLogRepository, cfg *config.Config) (*ArchiveService, error) {
	if cfg.AWS.AccessKeyID == "" {
		// Return service without S3 for local development
		return &ArchiveService{audit: audit, config: cfg}, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID,
			cfg.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &ArchiveService{
		audit:    audit,
		s3Client: s3.New(sess),
		config:   cfg,
	}, nil
}

// ArchiveAuditLogs uploads every audit entry in [from, to] as a single JSON
// document and records the export itself in the audit log.
func (s *ArchiveService) ArchiveAuditLogs(ctx context.Context, actorID *uuid.UUID, from, to time.Time) (*ArchiveResult, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: archive range end must be after start", ErrValidation)
	}

	entries, err := s.audit.ListRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}

	body, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit entries: %w", err)
	}

	key := s.archiveKey(from, to)

	if s.s3Client == nil {
		// Local development - just log what would be uploaded
		logrus.WithFields(logrus.Fields{
			"key":     key,
			"entries": len(entries),
		}).Info("S3 not configured, skipping audit archive upload")
	} else {
		_, err = s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.config.AWS.AuditArchiveBucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentType:   aws.String("application/json"),
			ContentLength: aws.Int64(int64(len(body))),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to upload audit archive: %v", ErrExternalService, err)
		}
	}

	result := &ArchiveResult{
		Key:        key,
		EntryCount: len(entries),
		Size:       int64(len(body)),
		From:       from,
		To:         to,
	}

	entry := &models.AuditLog{
		ActorID:      actorID,
		Action:       models.AuditLogArchived,
		ResourceType: "audit_archive",
		NewValues: models.JSONB{
			"key":         key,
			"entry_count": len(entries),
			"size":        len(body),
			"from":        from.Format(time.RFC3339),
			"to":          to.Format(time.RFC3339),
		},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		logrus.WithError(err).Warn("Failed to record audit archive entry")
	}

	return result, nil
}

func (s *ArchiveService) archiveKey(from, to time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("audit/%s/%s_%s_%s.json",
		from.Format("2006"),
		from.Format("20060102"),
		to.Format("20060102"),
		id.String()[:8],
	)
}
