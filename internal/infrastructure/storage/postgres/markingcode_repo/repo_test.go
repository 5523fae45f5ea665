package markingcode_repo

import (
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markhub/internal/core/id"
	"markhub/internal/domain/markingcode"
)

func testBuilder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func selectAll() squirrel.SelectBuilder {
	return (&Repo{builder: testBuilder()}).selectCodes()
}

func TestCandidateQuery_SellerAndNullableKey(t *testing.T) {
	profile := id.New()
	offer := "red"
	c := markingcode.Criteria{
		OwnerUserID: id.New(),
		ProfileID:   profile,
		Product:     markingcode.ProductKey{ProductID: id.New(), Offer: &offer},
	}

	sql, args, err := candidateQuery(selectAll(), c).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "c.offer IS NOT DISTINCT FROM")
	assert.Contains(t, sql, "c.variation IS NOT DISTINCT FROM")
	assert.Contains(t, sql, "(c.seller_profile_id IS NULL OR c.seller_profile_id = ")
	assert.Contains(t, sql, "c.status IN (")
	assert.Contains(t, sql, "(c.owner_profile_id = ")
	assert.Contains(t, sql, "LIMIT 1 FOR UPDATE OF c SKIP LOCKED")
	assert.NotContains(t, sql, "?")
	assert.Contains(t, args, &offer)
	assert.Contains(t, args, string(markingcode.StatusReturn))
}

func TestCandidateQuery_TestProfileOnlyUnsetSeller(t *testing.T) {
	c := markingcode.Criteria{
		OwnerUserID:     id.New(),
		ProfileID:       id.New(),
		Product:         markingcode.ProductKey{ProductID: id.New()},
		SellerUnsetOnly: true,
	}
	sql, _, err := candidateQuery(selectAll(), c).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "c.seller_profile_id IS NULL")
	assert.NotContains(t, sql, "c.seller_profile_id = ")
}

func TestCasUpdate(t *testing.T) {
	order := id.New()
	rev := &markingcode.Revision{
		ID:         id.New(),
		CodeID:     id.New(),
		Transition: markingcode.TransitionReserve,
		Status:     markingcode.StatusProcess,
		OrderID:    &order,
		Allocation: markingcode.Allocation{PartID: "01J0000000000000000000PART"},
		ActorID:    "system:test",
		CreatedAt:  time.Now(),
	}
	expected := id.New()

	sql, args, err := casUpdate(testBuilder(), rev, expected).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "UPDATE mk_codes SET current_revision_id = $1")
	assert.Contains(t, sql, "WHERE current_revision_id = ")
	assert.Contains(t, sql, "id = ")
	assert.Contains(t, args, "process")
	assert.Contains(t, args, rev.Allocation.PartID)
}

func TestFindByOrder_StatusFilter(t *testing.T) {
	sql, args, err := findByOrder(selectAll(), id.New(), []markingcode.Status{markingcode.StatusProcess, markingcode.StatusDone}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sql, "c.status IN ($2,$3)")
	assert.Contains(t, sql, "ORDER BY c.status_at, c.id")
	assert.Contains(t, args, "process")
	assert.Contains(t, args, "done")

	sql, _, err = findByOrder(selectAll(), id.New(), nil).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, sql, "c.status IN")
}

func TestRowMapping(t *testing.T) {
	order := id.New()
	item := id.New()
	row := codeRow{
		ID:                id.New(),
		CurrentRevisionID: id.New(),
		OwnerUserID:       id.New(),
		OwnerProfileID:    id.New(),
		ProductID:         id.New(),
		LotID:             "lot",
		PayloadCode:       "0104600000000001",
		revisionRow: revisionRow{
			RevTransition:  "reserve",
			RevStatus:      "process",
			RevOrderID:     &order,
			RevPartID:      "part",
			RevOrderItemID: &item,
		},
	}
	code := row.toDomain()
	assert.Equal(t, markingcode.StatusProcess, code.Status())
	assert.Equal(t, "part", code.PartID())
	assert.Equal(t, &item, code.OrderItemID())
	assert.Len(t, codeValues(code), len(codeInsertColumns))
	assert.Len(t, revisionValues(&code.Current), len(revisionInsertColumns))
}
