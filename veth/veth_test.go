package veth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/sysbox-nspawn/domain"
)

func TestCreatePairsRejectsTooMany(t *testing.T) {
	s := New()

	pairs := make([]domain.VethPair, MaxPairs+1)
	for i := range pairs {
		pairs[i] = domain.VethPair{Outer: "vh", Inner: "vc"}
	}

	err := s.CreatePairs(pairs, 1)
	require.Error(t, err)
}

func TestCreatePairsNoopOnEmptyList(t *testing.T) {
	s := New()
	require.NoError(t, s.CreatePairs(nil, 1))
}
