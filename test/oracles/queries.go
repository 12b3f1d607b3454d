package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_access_token_unique",
			SQL: `SELECT access_token, COUNT(*) FROM learning_agreements
                  GROUP BY access_token HAVING COUNT(*) > 1 OR access_token = ''`,
		},
		{
			Name: "O2_signed_has_request",
			SQL: `SELECT id, reference FROM learning_agreements
                  WHERE state = 'signed' AND sign_request_id IS NULL`,
		},
		{
			Name: "O3_sent_has_request_and_time",
			SQL: `SELECT id, reference FROM learning_agreements
                  WHERE state = 'sent' AND (sign_request_id IS NULL OR signature_sent_at IS NULL)`,
		},
		{
			Name: "O4_sent_has_document",
			SQL: `SELECT id, reference, state FROM learning_agreements
                  WHERE state IN ('sent','signed') AND contract_attachment_id IS NULL`,
		},
		{
			Name: "O5_single_attachment",
			SQL: `SELECT res_id, COUNT(*) FROM attachments
                  WHERE res_model = 'learning_agreement'
                  GROUP BY res_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_attachment_owner",
			SQL: `SELECT a.id, t.res_model, t.res_id FROM learning_agreements a
                  JOIN attachments t ON t.id = a.contract_attachment_id
                  WHERE t.res_model <> 'learning_agreement' OR t.res_id <> a.id`,
		},
		{
			Name: "O7_terminal_states_final",
			SQL: `SELECT id, agreement_id, payload FROM timeline_events
                  WHERE type IN ('STATE_CHANGED','SIGNATURE_REQUESTED')
                    AND (payload->>'from' = 'cancelled'
                         OR (payload->>'from' = 'signed' AND payload->>'to' <> 'cancelled'))`,
		},
		{
			Name: "O8_sent_from_editable",
			SQL: `SELECT id, agreement_id, payload FROM timeline_events
                  WHERE payload->>'to' = 'sent'
                    AND payload->>'from' NOT IN ('draft','student_input','ready')`,
		},
		{
			Name: "O9_created_event",
			SQL: `SELECT a.id, a.reference FROM learning_agreements a
                  WHERE NOT EXISTS (SELECT 1 FROM timeline_events e
                                    WHERE e.agreement_id = a.id AND e.type = 'AGREEMENT_CREATED')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
