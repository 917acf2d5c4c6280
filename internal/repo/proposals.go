package repo

import (
	"context"
	"database/sql"
	"strings"

	"sitewarden/internal/domain"
)

const proposalColumns = `id,fingerprint,website_id,service_key,type,target,status,risk_level,title,description,rationale,
evidence_json,change_plan_json,verification_plan_json,rollback_plan_json,blocking,tags_json,created_at,updated_at`

func scanProposal(scan func(dest ...any) error) (domain.ChangeProposal, error) {
	var p domain.ChangeProposal
	var description, rationale sql.NullString
	var evidence, changePlan, verificationPlan, rollbackPlan, tags sql.NullString
	err := scan(&p.ID, &p.Fingerprint, &p.WebsiteID, &p.ServiceKey, &p.Type, &p.Target, &p.Status, &p.RiskLevel,
		&p.Title, &description, &rationale, &evidence, &changePlan, &verificationPlan, &rollbackPlan,
		&p.Blocking, &tags, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if description.Valid {
		p.Description = description.String
	}
	if rationale.Valid {
		p.Rationale = rationale.String
	}
	p.Evidence = unmarshalStrings(evidence)
	p.ChangePlan = unmarshalStrings(changePlan)
	p.VerificationPlan = unmarshalStrings(verificationPlan)
	p.RollbackPlan = unmarshalStrings(rollbackPlan)
	p.Tags = unmarshalStrings(tags)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.ChangeProposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO change_proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Fingerprint, p.WebsiteID, p.ServiceKey, p.Type, p.Target, p.Status, p.RiskLevel,
		p.Title, nullable(p.Description), nullable(p.Rationale),
		marshalStrings(p.Evidence), marshalStrings(p.ChangePlan), marshalStrings(p.VerificationPlan), marshalStrings(p.RollbackPlan),
		p.Blocking, marshalStrings(p.Tags), p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProposalContent refreshes the mutable fields of an open proposal; the
// identity fields (fingerprint, website, service, type, target) never change.
func (r Repo) UpdateProposalContent(ctx context.Context, tx *sql.Tx, p domain.ChangeProposal) error {
	res, err := tx.ExecContext(ctx, `UPDATE change_proposals SET risk_level=?, title=?, description=?, rationale=?,
evidence_json=?, change_plan_json=?, verification_plan_json=?, rollback_plan_json=?, blocking=?, tags_json=?, updated_at=?
WHERE id=?`,
		p.RiskLevel, p.Title, nullable(p.Description), nullable(p.Rationale),
		marshalStrings(p.Evidence), marshalStrings(p.ChangePlan), marshalStrings(p.VerificationPlan), marshalStrings(p.RollbackPlan),
		p.Blocking, marshalStrings(p.Tags), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProposalStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE change_proposals SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.ChangeProposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM change_proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChangeProposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM change_proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetOpenProposalByFingerprint(ctx context.Context, tx *sql.Tx, fingerprint string) (domain.ChangeProposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM change_proposals WHERE fingerprint=? AND status='open'`, fingerprint)
	return scanProposal(row.Scan)
}

type ProposalFilters struct {
	WebsiteID string
	Status    string
	RiskLevel string
	Limit     int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.ChangeProposal, error) {
	var clauses []string
	var args []any
	if f.WebsiteID != "" {
		clauses = append(clauses, "website_id=?")
		args = append(args, f.WebsiteID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RiskLevel != "" {
		clauses = append(clauses, "risk_level=?")
		args = append(args, f.RiskLevel)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proposalColumns + ` FROM change_proposals ` + where + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeProposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AppendProposalAction extends the append-only audit trail. There is no update
// or delete path for these rows.
func (r Repo) AppendProposalAction(ctx context.Context, tx *sql.Tx, a domain.ProposalAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposal_actions(proposal_id,actor,action,reason,ts) VALUES (?,?,?,?,?)`,
		a.ProposalID, a.Actor, a.Action, nullable(a.Reason), a.TS)
	return err
}

func (r Repo) ListProposalActions(ctx context.Context, proposalID string) ([]domain.ProposalAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,proposal_id,actor,action,COALESCE(reason,''),ts FROM proposal_actions WHERE proposal_id=? ORDER BY id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProposalAction
	for rows.Next() {
		var a domain.ProposalAction
		if err := rows.Scan(&a.ID, &a.ProposalID, &a.Actor, &a.Action, &a.Reason, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountProposalsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM change_proposals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
