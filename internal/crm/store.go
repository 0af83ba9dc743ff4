// Package crm is the PostgreSQL contact store: tagged contacts with their
// stage markers, and the durable log of every drip send.
package crm

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/lead-drip/internal/drip"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	"github.com/ignite/lead-drip/internal/pkg/retry"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a send row does not exist.
var ErrNotFound = errors.New("send record not found")

// Options tune a Store. Zero values take defaults.
type Options struct {
	PageSize int
	Timeout  time.Duration
	Retry    retry.Policy
}

// Store implements drip.ContactStore against PostgreSQL.
type Store struct {
	db       *sql.DB
	pageSize int
	timeout  time.Duration
	policy   retry.Policy
	log      *logrus.Entry
}

var _ drip.ContactStore = (*Store)(nil)

// NewStore creates a Postgres-backed contact store.
func NewStore(db *sql.DB, opts Options) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Store{
		db:       db,
		pageSize: opts.PageSize,
		timeout:  opts.Timeout,
		policy:   opts.Retry,
		log:      logger.Component("crm"),
	}
}

// do runs op with a per-attempt timeout, retrying only connection-level failures.
func (s *Store) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, name, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := op(actx)
		if err == nil || retryable(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53":
			return true
		}
		return pqErr.Code == "57P01"
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ListContacts pages through every contact carrying tag in email order.
func (s *Store) ListContacts(ctx context.Context, tag string) ([]drip.Contact, error) {
	var out []drip.Contact
	after := ""
	for {
		var page []drip.Contact
		err := s.do(ctx, "list_contacts", func(ctx context.Context) error {
			page = page[:0]
			rows, err := s.db.QueryContext(ctx, `
				SELECT email, name, segment, tags, stage_marker, suppressed_reason, signed_up_at, created_at
				FROM drip_contacts
				WHERE $1 = ANY(tags) AND email > $2
				ORDER BY email
				LIMIT $3
			`, tag, after, s.pageSize)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var c drip.Contact
				var signedUp sql.NullTime
				if err := rows.Scan(&c.Email, &c.Name, &c.Segment, pq.Array(&c.Tags),
					&c.StageMarker, &c.SuppressedReason, &signedUp, &c.CreatedAt); err != nil {
					return fmt.Errorf("scan contact: %w", err)
				}
				c.SignedUpAt = signedUp.Time
				page = append(page, c)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		out = append(out, page...)
		if len(page) < s.pageSize {
			break
		}
		after = page[len(page)-1].Email
	}
	s.log.WithFields(logrus.Fields{"tag": tag, "contacts": len(out)}).Debug("listed contacts")
	return out, nil
}

// UpsertContact creates or updates the contact. Empty fields keep the stored
// value, the tag is added when missing and the first signup time sticks.
func (s *Store) UpsertContact(ctx context.Context, email string, f drip.ContactFields) error {
	err := s.do(ctx, "upsert_contact", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO drip_contacts (email, name, segment, tags, stage_marker, suppressed_reason, signed_up_at)
			VALUES ($1, $2, $3, CASE WHEN $4::text = '' THEN '{}'::text[] ELSE ARRAY[$4::text] END, $5, $6, $7)
			ON CONFLICT (email) DO UPDATE SET
				name = COALESCE(NULLIF(EXCLUDED.name, ''), drip_contacts.name),
				segment = COALESCE(NULLIF(EXCLUDED.segment, ''), drip_contacts.segment),
				tags = CASE
					WHEN $4::text = '' OR $4::text = ANY(drip_contacts.tags) THEN drip_contacts.tags
					ELSE array_append(drip_contacts.tags, $4::text)
				END,
				stage_marker = COALESCE(NULLIF(EXCLUDED.stage_marker, ''), drip_contacts.stage_marker),
				suppressed_reason = COALESCE(NULLIF(EXCLUDED.suppressed_reason, ''), drip_contacts.suppressed_reason),
				signed_up_at = COALESCE(drip_contacts.signed_up_at, EXCLUDED.signed_up_at),
				updated_at = NOW()
		`, drip.NormalizeEmail(email), f.Name, f.Segment, f.Tag, f.StageMarker, f.SuppressedReason, nullTime(f.SignedUpAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// RecordSend stores rec. A live row for the same stage wins and its id is
// returned unchanged. A failed row is retried in place.
func (s *Store) RecordSend(ctx context.Context, rec drip.SendRecord) (string, error) {
	recipient := drip.NormalizeEmail(rec.Recipient)
	var id string
	err := s.do(ctx, "record_send", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var status string
		err = tx.QueryRowContext(ctx, `
			SELECT id, status FROM drip_sends
			WHERE sequence = $1 AND recipient = $2 AND stage_key = $3
			ORDER BY (status = 'failed'), created_at
			LIMIT 1
			FOR UPDATE
		`, rec.Sequence, recipient, rec.StageKey).Scan(&id, &status)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.New().String()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO drip_sends (id, sequence, recipient, subject, stage_key, stage, message_id, status, error, sent_at, attempts)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
			`, id, rec.Sequence, recipient, rec.Subject, rec.StageKey, rec.Stage,
				rec.MessageID, string(rec.Status), rec.Error, rec.SentAt); err != nil {
				return fmt.Errorf("insert send: %w", err)
			}
		case err != nil:
			return err
		case drip.SendStatus(status) != drip.StatusFailed:
			return nil
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE drip_sends
				SET status = $2, message_id = $3, error = $4, sent_at = $5, subject = $6,
					attempts = attempts + 1, updated_at = NOW()
				WHERE id = $1
			`, id, string(rec.Status), rec.MessageID, rec.Error, rec.SentAt, rec.Subject); err != nil {
				return fmt.Errorf("retry send: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("record send: %w", err)
	}
	return id, nil
}

// UpdateSendStatus moves a row to status. Engagement timestamps are only
// filled, never overwritten.
func (s *Store) UpdateSendStatus(ctx context.Context, id string, status drip.SendStatus, ts drip.SendTimestamps) error {
	err := s.do(ctx, "update_send_status", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE drip_sends
			SET status = $2,
				delivered_at = COALESCE(delivered_at, $3),
				opened_at = COALESCE(opened_at, $4),
				clicked_at = COALESCE(clicked_at, $5),
				updated_at = NOW()
			WHERE id = $1
		`, id, string(status), nullTime(ts.DeliveredAt), nullTime(ts.OpenedAt), nullTime(ts.ClickedAt))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update send %s: %w", id, err)
	}
	return nil
}

const sendColumns = `id, sequence, recipient, subject, stage_key, stage, message_id, status, error,
	sent_at, delivered_at, opened_at, clicked_at, attempts`

// ListSends returns every send row of sequence, oldest first.
func (s *Store) ListSends(ctx context.Context, sequence string) ([]drip.SendRecord, error) {
	out, err := s.querySends(ctx, "list_sends", `
		SELECT `+sendColumns+`
		FROM drip_sends
		WHERE sequence = $1
		ORDER BY sent_at, recipient
	`, sequence)
	if err != nil {
		return nil, fmt.Errorf("list sends: %w", err)
	}
	return out, nil
}

// ListOpenSends returns rows whose status can still advance.
func (s *Store) ListOpenSends(ctx context.Context, sequence string, notBefore time.Time) ([]drip.SendRecord, error) {
	out, err := s.querySends(ctx, "list_open_sends", `
		SELECT `+sendColumns+`
		FROM drip_sends
		WHERE sequence = $1 AND status IN ('sent', 'delivered', 'opened') AND sent_at >= $2
		ORDER BY sent_at
	`, sequence, notBefore)
	if err != nil {
		return nil, fmt.Errorf("list open sends: %w", err)
	}
	return out, nil
}

func (s *Store) querySends(ctx context.Context, name, query string, args ...interface{}) ([]drip.SendRecord, error) {
	var out []drip.SendRecord
	err := s.do(ctx, name, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r drip.SendRecord
			var status string
			var delivered, opened, clicked sql.NullTime
			if err := rows.Scan(&r.ID, &r.Sequence, &r.Recipient, &r.Subject, &r.StageKey, &r.Stage,
				&r.MessageID, &status, &r.Error, &r.SentAt, &delivered, &opened, &clicked, &r.Attempts); err != nil {
				return fmt.Errorf("scan send: %w", err)
			}
			r.Status = drip.SendStatus(status)
			r.Timestamps = drip.SendTimestamps{DeliveredAt: delivered.Time, OpenedAt: opened.Time, ClickedAt: clicked.Time}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
