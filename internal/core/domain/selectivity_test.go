package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySelectivity(t *testing.T) {
	tests := []struct {
		name     string
		returned int64
		scanned  int64
		want     SelectivityClass
	}{
		{"point lookup", 1, 100000, SelectivityPoint},
		{"zero rows returned", 0, 500, SelectivityPoint},
		{"narrow (1%)", 10, 1000, SelectivityNarrow},
		{"moderate threshold (5%)", 50, 1000, SelectivityModerate},
		{"wide (50%)", 500, 1000, SelectivityWide},
		{"full threshold (90%)", 900, 1000, SelectivityFull},
		{"all rows", 1000, 1000, SelectivityFull},
		{"nothing scanned", 0, 0, SelectivityFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySelectivity(tt.returned, tt.scanned))
		})
	}
}

func TestSelectivityClass_BenefitsFromIndex(t *testing.T) {
	assert.True(t, SelectivityPoint.BenefitsFromIndex())
	assert.True(t, SelectivityNarrow.BenefitsFromIndex())
	assert.False(t, SelectivityWide.BenefitsFromIndex())
	assert.False(t, SelectivityFull.BenefitsFromIndex())
}
