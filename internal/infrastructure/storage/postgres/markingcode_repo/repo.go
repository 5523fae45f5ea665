// Package markingcode_repo provides the PostgreSQL implementation of
// markingcode.Repository.
package markingcode_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/domain/markingcode"
	"markhub/internal/infrastructure/storage/postgres"
)

var _ markingcode.Repository = (*Repo)(nil)

// Repo stores codes in mk_codes and their history in mk_code_revisions.
// mk_codes carries a projection of the head revision so that the selector
// reads and locks a single row.
type Repo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewRepo creates a marking code repository.
func NewRepo(txManager *postgres.TxManager) *Repo {
	return &Repo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *Repo) querier(ctx context.Context) postgres.Querier {
	return r.txManager.GetQuerier(ctx)
}

// Create implements markingcode.Repository.
func (r *Repo) Create(ctx context.Context, code *markingcode.MarkingCode) error {
	if err := r.insertCode(ctx, code); err != nil {
		return err
	}
	return r.insertRevision(ctx, &code.Current)
}

// CreateBatch implements markingcode.Repository. Inside a transaction rows
// are loaded with COPY.
func (r *Repo) CreateBatch(ctx context.Context, codes []*markingcode.MarkingCode) error {
	if len(codes) == 0 {
		return nil
	}

	if r.txManager.GetTx(ctx) == nil {
		for _, code := range codes {
			if err := r.Create(ctx, code); err != nil {
				return err
			}
		}
		return nil
	}

	codeRows := make([][]any, 0, len(codes))
	revRows := make([][]any, 0, len(codes))
	for _, code := range codes {
		codeRows = append(codeRows, codeValues(code))
		revRows = append(revRows, revisionValues(&code.Current))
	}

	inserter := postgres.NewBatchInserter(r.txManager)
	if _, err := inserter.CopyFromSlice(ctx, codesTable, codeInsertColumns, codeRows); err != nil {
		return postgres.MapError(err, "marking_code", codes[0].Attributes.LotID)
	}
	if _, err := inserter.CopyFromSlice(ctx, revisionsTable, revisionInsertColumns, revRows); err != nil {
		return fmt.Errorf("copy revisions: %w", err)
	}
	return nil
}

func (r *Repo) insertCode(ctx context.Context, code *markingcode.MarkingCode) error {
	sql, args, err := r.builder.Insert(codesTable).
		Columns(codeInsertColumns...).
		Values(codeValues(code)...).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert code: %w", err)
	}
	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		return postgres.MapError(err, "marking_code", code.ID)
	}
	return nil
}

func (r *Repo) insertRevision(ctx context.Context, rev *markingcode.Revision) error {
	sql, args, err := r.builder.Insert(revisionsTable).
		Columns(revisionInsertColumns...).
		Values(revisionValues(rev)...).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert revision: %w", err)
	}
	if _, err := r.querier(ctx).Exec(ctx, sql, args...); err != nil {
		mapped := postgres.MapError(err, "marking_code", rev.CodeID)
		if apperror.HasCode(mapped, apperror.CodeConflict) {
			// unique previous_id: another revision already extends the same head
			return apperror.NewConcurrentModification("marking_code", rev.CodeID).WithCause(err)
		}
		return mapped
	}
	return nil
}

func (r *Repo) selectCodes() squirrel.SelectBuilder {
	return r.builder.Select(append(append([]string{}, codeColumns...), revisionColumns...)...).
		From(codesTable + " c").
		Join(revisionsTable + " r ON r.id = c.current_revision_id")
}

func (r *Repo) list(ctx context.Context, q squirrel.SelectBuilder) ([]*markingcode.MarkingCode, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select codes: %w", err)
	}
	var rows []codeRow
	if err := pgxscan.Select(ctx, r.querier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select codes: %w", err)
	}
	out := make([]*markingcode.MarkingCode, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Get implements markingcode.Repository.
func (r *Repo) Get(ctx context.Context, codeID id.ID) (*markingcode.MarkingCode, error) {
	sql, args, err := r.selectCodes().Where(squirrel.Eq{"c.id": codeID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get code: %w", err)
	}
	var row codeRow
	if err := pgxscan.Get(ctx, r.querier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("marking_code", codeID)
		}
		return nil, fmt.Errorf("get code: %w", err)
	}
	return row.toDomain(), nil
}

// AppendRevision implements markingcode.Repository. Must run in a
// transaction: the insert and the pointer swap commit together.
func (r *Repo) AppendRevision(ctx context.Context, rev *markingcode.Revision, expected id.ID) error {
	if r.txManager.GetTx(ctx) == nil {
		return fmt.Errorf("append revision requires transaction context")
	}
	if err := r.insertRevision(ctx, rev); err != nil {
		return err
	}

	sql, args, err := casUpdate(r.builder, rev, expected).ToSql()
	if err != nil {
		return fmt.Errorf("build cas update: %w", err)
	}
	result, err := r.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return postgres.MapError(err, "marking_code", rev.CodeID)
	}
	if result.RowsAffected() == 1 {
		return nil
	}
	return r.missingOrMoved(ctx, rev.CodeID, expected)
}

// casUpdate repoints the head revision only if it is still expected.
func casUpdate(b squirrel.StatementBuilderType, rev *markingcode.Revision, expected id.ID) squirrel.UpdateBuilder {
	return b.Update(codesTable).
		Set("current_revision_id", rev.ID).
		Set("status", string(rev.Status)).
		Set("order_id", rev.OrderID).
		Set("part_id", rev.Allocation.PartID).
		Set("order_item_id", rev.Allocation.OrderItemID).
		Set("status_at", rev.CreatedAt).
		Set("updated_at", rev.CreatedAt).
		Set("updated_by", rev.ActorID).
		Where(squirrel.Eq{"id": rev.CodeID, "current_revision_id": expected})
}

func (r *Repo) missingOrMoved(ctx context.Context, codeID, expected id.ID) error {
	var current id.ID
	err := r.querier(ctx).QueryRow(ctx,
		"SELECT current_revision_id FROM "+codesTable+" WHERE id = $1", codeID,
	).Scan(&current)
	if err != nil {
		if postgres.IsNoRows(err) {
			return apperror.NewNotFound("marking_code", codeID)
		}
		return fmt.Errorf("read current revision: %w", err)
	}
	return apperror.NewConcurrentModification("marking_code", codeID).
		WithDetail("expected_revision", expected).
		WithDetail("current_revision", current)
}

// Revisions implements markingcode.Repository.
func (r *Repo) Revisions(ctx context.Context, codeID id.ID) ([]markingcode.Revision, error) {
	sql, args, err := r.builder.Select(revisionColumns...).
		From(revisionsTable + " r").
		Where(squirrel.Eq{"r.code_id": codeID}).
		OrderBy("r.created_at", "r.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select revisions: %w", err)
	}
	var rows []revisionRow
	if err := pgxscan.Select(ctx, r.querier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select revisions: %w", err)
	}
	out := make([]markingcode.Revision, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// FindByOrder implements markingcode.Repository.
func (r *Repo) FindByOrder(ctx context.Context, orderID id.ID, statuses []markingcode.Status) ([]*markingcode.MarkingCode, error) {
	return r.list(ctx, findByOrder(r.selectCodes(), orderID, statuses))
}

func findByOrder(q squirrel.SelectBuilder, orderID id.ID, statuses []markingcode.Status) squirrel.SelectBuilder {
	q = q.Where(squirrel.Eq{"c.order_id": orderID})
	if len(statuses) > 0 {
		q = q.Where(squirrel.Eq{"c.status": statusStrings(statuses)})
	}
	return q.OrderBy("c.status_at", "c.id")
}

// FindByPart implements markingcode.Repository.
func (r *Repo) FindByPart(ctx context.Context, partID string) ([]*markingcode.MarkingCode, error) {
	return r.list(ctx, r.selectCodes().
		Where(squirrel.Eq{"c.part_id": partID}).
		OrderBy("c.status_at", "c.id"))
}

// FindByLot implements markingcode.Repository.
func (r *Repo) FindByLot(ctx context.Context, lotID string) ([]*markingcode.MarkingCode, error) {
	return r.list(ctx, r.selectCodes().
		Where(squirrel.Eq{"c.lot_id": lotID}).
		OrderBy("c.created_at", "c.id"))
}

// LockCandidate implements markingcode.Repository with FOR UPDATE SKIP
// LOCKED: concurrent selectors each lock a different row.
func (r *Repo) LockCandidate(ctx context.Context, c markingcode.Criteria) (*markingcode.MarkingCode, error) {
	codes, err := r.list(ctx, candidateQuery(r.selectCodes(), c))
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, nil
	}
	return codes[0], nil
}

// candidateQuery mirrors markingcode.Criteria: Matches as the filter and
// Before as the ordering.
func candidateQuery(q squirrel.SelectBuilder, c markingcode.Criteria) squirrel.SelectBuilder {
	q = q.Where(squirrel.Eq{
		"c.status":        []string{string(markingcode.StatusNew), string(markingcode.StatusReturn)},
		"c.owner_user_id": c.OwnerUserID,
		"c.product_id":    c.Product.ProductID,
	}).
		Where(squirrel.Expr("c.offer IS NOT DISTINCT FROM ?", c.Product.Offer)).
		Where(squirrel.Expr("c.variation IS NOT DISTINCT FROM ?", c.Product.Variation)).
		Where(squirrel.Expr("c.modification IS NOT DISTINCT FROM ?", c.Product.Modification))

	if c.SellerUnsetOnly {
		q = q.Where(squirrel.Eq{"c.seller_profile_id": nil})
	} else {
		q = q.Where(squirrel.Or{
			squirrel.Eq{"c.seller_profile_id": nil},
			squirrel.Eq{"c.seller_profile_id": c.ProfileID},
		})
	}

	return q.
		OrderByClause("(c.owner_profile_id = ?) DESC", c.ProfileID).
		OrderByClause("(c.status = ?) DESC", string(markingcode.StatusReturn)).
		OrderBy("c.lot_id", "c.id").
		Limit(1).
		Suffix("FOR UPDATE OF c SKIP LOCKED")
}

// EverLinked implements markingcode.Repository.
func (r *Repo) EverLinked(ctx context.Context, codeID id.ID) (bool, error) {
	var linked bool
	err := r.querier(ctx).QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+revisionsTable+" WHERE code_id = $1 AND order_id IS NOT NULL)", codeID,
	).Scan(&linked)
	if err != nil {
		return false, fmt.Errorf("check code links: %w", err)
	}
	return linked, nil
}

// Delete implements markingcode.Repository. Revisions go with the code.
func (r *Repo) Delete(ctx context.Context, codeID id.ID, expected id.ID) error {
	sql, args, err := r.builder.Delete(codesTable).
		Where(squirrel.Eq{"id": codeID, "current_revision_id": expected}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete code: %w", err)
	}
	result, err := r.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return postgres.MapError(err, "marking_code", codeID)
	}
	if result.RowsAffected() == 1 {
		return nil
	}
	return r.missingOrMoved(ctx, codeID, expected)
}

func statusStrings(statuses []markingcode.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
