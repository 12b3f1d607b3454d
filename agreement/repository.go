package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository persists agreements and their timeline in PostgreSQL. Reads
// that do not need a row lock go through the pool; everything else runs in
// the caller's transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const agreementColumns = `id, reference, access_token, student_partner_id, coordinator_partner_id,
	student_full_name, student_email, student_phone, student_street, student_street2, student_zip, student_city, student_country_id,
	mobility_start_date, mobility_end_date, learning_outcomes,
	host_org_name, host_org_street, host_org_street2, host_org_zip, host_org_city, host_org_country_id,
	host_responsible_name, host_responsible_email, host_responsible_phone,
	state, contract_attachment_id::text, sign_request_id, signature_sent_at, signature_deadline,
	created_at, updated_at`

// Insert creates the row. The reference is drawn from learning_agreement_seq.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error) {
	const insertSQL = `
INSERT INTO learning_agreements (
	reference, access_token, student_partner_id, coordinator_partner_id,
	student_full_name, student_email, student_phone, student_street, student_street2, student_zip, student_city, student_country_id,
	mobility_start_date, mobility_end_date, learning_outcomes,
	host_org_name, host_org_street, host_org_street2, host_org_zip, host_org_city, host_org_country_id,
	host_responsible_name, host_responsible_email, host_responsible_phone,
	state, contract_attachment_id, sign_request_id, signature_sent_at, signature_deadline
)
VALUES (
	'LA' || lpad(nextval('learning_agreement_seq')::text, 5, '0'), $1,
	$2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
	$20, $21, $22, $23, $24, $25, $26, $27, $28
)
RETURNING ` + agreementColumns

	args := append([]any{ag.AccessToken}, writeArgs(ag)...)
	created, err := scanAgreement(tx.QueryRow(ctx, insertSQL, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "access_token") {
			return Agreement{}, ErrDuplicateToken
		}
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return created, nil
}

// GetForUpdate loads the row and locks it until tx ends.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM learning_agreements WHERE id = $1 FOR UPDATE`

	ag, err := scanAgreement(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get for update: %w", err)
	}
	return ag, nil
}

// Get loads the row without locking it.
func (r *PGRepository) Get(ctx context.Context, id int64) (Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM learning_agreements WHERE id = $1`

	ag, err := scanAgreement(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return ag, nil
}

// Update writes every mutable column of ag.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error) {
	const updateSQL = `
UPDATE learning_agreements SET
	student_partner_id = $2, coordinator_partner_id = $3,
	student_full_name = $4, student_email = $5, student_phone = $6, student_street = $7, student_street2 = $8,
	student_zip = $9, student_city = $10, student_country_id = $11,
	mobility_start_date = $12, mobility_end_date = $13, learning_outcomes = $14,
	host_org_name = $15, host_org_street = $16, host_org_street2 = $17, host_org_zip = $18, host_org_city = $19,
	host_org_country_id = $20,
	host_responsible_name = $21, host_responsible_email = $22, host_responsible_phone = $23,
	state = $24, contract_attachment_id = $25, sign_request_id = $26, signature_sent_at = $27, signature_deadline = $28,
	updated_at = now()
WHERE id = $1
RETURNING ` + agreementColumns

	args := append([]any{ag.ID}, writeArgs(ag)...)
	updated, err := scanAgreement(tx.QueryRow(ctx, updateSQL, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: update: %w", err)
	}
	return updated, nil
}

// List returns agreements matching filters, newest first, plus the total count.
func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Agreement, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.StudentPartnerID != 0 {
		where = append(where, fmt.Sprintf("student_partner_id=$%d", len(args)+1))
		args = append(args, filters.StudentPartnerID)
	}
	if filters.State != "" {
		where = append(where, fmt.Sprintf("state=$%d", len(args)+1))
		args = append(args, string(filters.State))
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`SELECT %s FROM learning_agreements%s ORDER BY id DESC LIMIT %d OFFSET %d`, agreementColumns, whereClause, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: query list: %w", err)
	}
	defer rows.Close()

	list := []Agreement{}
	for rows.Next() {
		ag, err := scanAgreement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("agreement: scan list: %w", err)
		}
		list = append(list, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM learning_agreements"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count list: %w", err)
	}
	return list, total, nil
}

// ListOverdueIDs returns agreements in the sent state whose signature was
// requested at or before cutoff.
func (r *PGRepository) ListOverdueIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	const query = `
SELECT id FROM learning_agreements
WHERE state = 'sent' AND signature_sent_at <= $1
ORDER BY id`
	return r.collectIDs(ctx, "list overdue", query, cutoff)
}

// ListSignRequestIDs returns every agreement linked to a signature request.
func (r *PGRepository) ListSignRequestIDs(ctx context.Context) ([]int64, error) {
	const query = `
SELECT id FROM learning_agreements
WHERE sign_request_id IS NOT NULL AND sign_request_id <> ''
ORDER BY id`
	return r.collectIDs(ctx, "list with sign request", query)
}

func (r *PGRepository) collectIDs(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agreement: %s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("agreement: %s: %w", op, err)
	}
	return ids, nil
}

// AppendEvent writes a timeline event in the caller's transaction.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal timeline payload: %w", err)
	}

	var actorID any
	if ev.ActorID != nil {
		actorID = *ev.ActorID
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_id, type, actor_id, body, payload)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := tx.Exec(ctx, insertSQL, ev.AgreementID, string(ev.Type), actorID, ev.Body, payloadBytes); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

// ListEvents returns the timeline of an agreement, oldest first.
func (r *PGRepository) ListEvents(ctx context.Context, agreementID int64) ([]TimelineEvent, error) {
	const query = `
SELECT id, agreement_id, type, actor_id, body, payload, created_at
FROM timeline_events
WHERE agreement_id = $1
ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list events: %w", err)
	}
	defer rows.Close()

	events := []TimelineEvent{}
	for rows.Next() {
		var (
			ev      TimelineEvent
			evType  string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AgreementID, &evType, &ev.ActorID, &ev.Body, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan event: %w", err)
		}
		ev.Type = EventType(evType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("agreement: decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate events: %w", err)
	}
	return events, nil
}

func writeArgs(ag Agreement) []any {
	return []any{
		ag.StudentPartnerID,
		ag.CoordinatorPartnerID,
		ag.StudentFullName,
		ag.StudentEmail,
		ag.StudentPhone,
		ag.StudentAddress.Street,
		ag.StudentAddress.Street2,
		ag.StudentAddress.Zip,
		ag.StudentAddress.City,
		ag.StudentAddress.CountryID,
		ag.MobilityStart,
		ag.MobilityEnd,
		ag.LearningOutcomes,
		ag.HostOrgName,
		ag.HostOrgAddress.Street,
		ag.HostOrgAddress.Street2,
		ag.HostOrgAddress.Zip,
		ag.HostOrgAddress.City,
		ag.HostOrgAddress.CountryID,
		ag.HostResponsibleName,
		ag.HostResponsibleEmail,
		ag.HostResponsiblePhone,
		string(ag.State),
		ag.ContractAttachmentID,
		ag.SignRequestID,
		ag.SignatureSentAt,
		ag.SignatureDeadline,
	}
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		ag    Agreement
		state string
	)
	err := row.Scan(
		&ag.ID,
		&ag.Reference,
		&ag.AccessToken,
		&ag.StudentPartnerID,
		&ag.CoordinatorPartnerID,
		&ag.StudentFullName,
		&ag.StudentEmail,
		&ag.StudentPhone,
		&ag.StudentAddress.Street,
		&ag.StudentAddress.Street2,
		&ag.StudentAddress.Zip,
		&ag.StudentAddress.City,
		&ag.StudentAddress.CountryID,
		&ag.MobilityStart,
		&ag.MobilityEnd,
		&ag.LearningOutcomes,
		&ag.HostOrgName,
		&ag.HostOrgAddress.Street,
		&ag.HostOrgAddress.Street2,
		&ag.HostOrgAddress.Zip,
		&ag.HostOrgAddress.City,
		&ag.HostOrgAddress.CountryID,
		&ag.HostResponsibleName,
		&ag.HostResponsibleEmail,
		&ag.HostResponsiblePhone,
		&state,
		&ag.ContractAttachmentID,
		&ag.SignRequestID,
		&ag.SignatureSentAt,
		&ag.SignatureDeadline,
		&ag.CreatedAt,
		&ag.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}
	ag.State = State(state)
	return ag, nil
}
