package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewReportRepositoryLatestTag(t *testing.T) {
	r := NewReportRepository(nil, "")
	assert.Equal(t, TagLatest, r.latestTag)

	r = NewReportRepository(nil, "current")
	assert.Equal(t, "current", r.latestTag)
}
