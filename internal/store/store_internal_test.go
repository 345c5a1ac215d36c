package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

func TestSourcesOf(t *testing.T) {
	assert.Equal(t, []string{models.JobStatusPending}, sourcesOf(models.JobStatusProcessing))
	assert.Equal(t, []string{models.JobStatusProcessing}, sourcesOf(models.JobStatusCompleted))
	assert.Equal(t, []string{models.JobStatusPending, models.JobStatusProcessing}, sourcesOf(models.JobStatusFailed))
	assert.Equal(t, []string{models.JobStatusProcessing}, sourcesOf(models.JobStatusPending))
}

func TestJobFilterNormalize(t *testing.T) {
	tests := []struct {
		name       string
		filter     JobFilter
		wantLimit  int
		wantOffset int
	}{
		{"defaults", JobFilter{}, 20, 0},
		{"capped", JobFilter{Limit: 500, Page: 2}, 100, 100},
		{"page three", JobFilter{Limit: 10, Page: 3}, 10, 20},
		{"negative page", JobFilter{Limit: 5, Page: -1}, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, offset := tt.filter.normalize()
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestPgxMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/db?sslmode=disable", pgxMigrateURL("postgres://u:p@localhost:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://h/db", pgxMigrateURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", pgxMigrateURL("pgx5://h/db"))
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus("failed"))
	assert.False(t, ValidStatus("FAILED"))
	assert.False(t, ValidStatus(""))
}
