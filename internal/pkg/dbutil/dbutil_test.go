package dbutil

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestFinalizeRewritesLimitAndPlaceholders(t *testing.T) {
	query, args := Finalize("SELECT id FROM submissions WHERE email=? ORDER BY created_at DESC LIMIT ?,?", []interface{}{"a@b.com", 0, 50})
	require.Equal(t, "SELECT id FROM submissions WHERE email=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3", query)
	require.Equal(t, []interface{}{"a@b.com", 50, 0}, args)
}

func TestFinalizeWithoutLimit(t *testing.T) {
	query, args := Finalize("SELECT id FROM submissions WHERE submission_id=?", []interface{}{"000001"})
	require.Equal(t, "SELECT id FROM submissions WHERE submission_id=$1", query)
	require.Equal(t, []interface{}{"000001"}, args)
}

func TestIsConflict(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
	require.True(t, IsConflict(err))
	require.False(t, IsConflict(fmt.Errorf("other")))
	require.True(t, IsConnection(&pq.Error{Code: "08006"}))
	require.False(t, IsConnection(&pq.Error{Code: "23505"}))
}
