package universe_test

import (
	"context"
	"testing"

	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/internal/universe"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func baseConfig() config.UniverseConfig {
	return config.UniverseConfig{
		MinPrice:          decimal.NewFromInt(1),
		MinLiquidityADV:   decimal.NewFromInt(100000),
		MaxUniverseSize:   500,
		MaxNamesPerSector: 50,
		WStab:             0.5,
		WLambda:           0.2,
		DropBreaker:       true,
	}
}

func TestBuild_DropsInactiveAndIlliquidInstruments(t *testing.T) {
	eng := universe.New(zap.NewNop(), baseConfig(), nil)
	candidates := []universe.Candidate{
		{InstrumentID: "AAA", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 1},
		{InstrumentID: "BBB", Status: "DELISTED", Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 1},
		{InstrumentID: "CCC", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(1000), BaseScore: 1},
	}

	members, err := eng.Build(context.Background(), "u1", "2026-01-15", candidates)
	require.NoError(t, err)

	byID := memberMap(members)
	assert.True(t, byID["AAA"].InUniverse)
	assert.False(t, byID["BBB"].InUniverse)
	assert.False(t, byID["CCC"].InUniverse)
}

func TestBuild_DropsBreakerClassWhenConfigured(t *testing.T) {
	eng := universe.New(zap.NewNop(), baseConfig(), nil)
	candidates := []universe.Candidate{
		{InstrumentID: "AAA", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 1, STABClass: types.ClassBreaker},
	}

	members, err := eng.Build(context.Background(), "u1", "2026-01-15", candidates)
	require.NoError(t, err)
	assert.False(t, members[0].InUniverse)
	assert.Equal(t, "BREAKER", members[0].Reasons["stab_static"])
}

func TestBuild_RankOrdersByPenalizedScoreThenInstrumentID(t *testing.T) {
	eng := universe.New(zap.NewNop(), baseConfig(), nil)
	candidates := []universe.Candidate{
		{InstrumentID: "ZZZ", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 1.0, RiskScore: 0.0},
		{InstrumentID: "AAA", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 1.0, RiskScore: 0.0},
		{InstrumentID: "BBB", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 0.5, RiskScore: 0.8},
	}

	members, err := eng.Build(context.Background(), "u1", "2026-01-15", candidates)
	require.NoError(t, err)
	byID := memberMap(members)

	assert.Equal(t, 1, byID["AAA"].Rank, "tied top score breaks ties lexicographically")
	assert.Equal(t, 2, byID["ZZZ"].Rank)
	assert.Equal(t, 3, byID["BBB"].Rank, "higher risk_score pulls BBB's penalized rank score below the tied pair")
}

func TestBuild_SectorCapDropsOverflow(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxNamesPerSector = 1
	eng := universe.New(zap.NewNop(), cfg, nil)
	candidates := []universe.Candidate{
		{InstrumentID: "AAA", Sector: "TECH", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 1.0},
		{InstrumentID: "BBB", Sector: "TECH", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 0.5},
	}

	members, err := eng.Build(context.Background(), "u1", "2026-01-15", candidates)
	require.NoError(t, err)
	byID := memberMap(members)
	assert.True(t, byID["AAA"].InUniverse)
	assert.False(t, byID["BBB"].InUniverse)
}

type fakeClusterProvider struct{ scores map[string]float64 }

func (p fakeClusterProvider) LambdaScore(_ context.Context, clusterID string) (float64, error) {
	return p.scores[clusterID], nil
}

func TestBuild_ClusterBonusLiftsRank(t *testing.T) {
	provider := fakeClusterProvider{scores: map[string]float64{"cluster-1": 1.0}}
	eng := universe.New(zap.NewNop(), baseConfig(), provider)
	candidates := []universe.Candidate{
		{InstrumentID: "AAA", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 0.5},
		{InstrumentID: "BBB", Status: types.InstrumentActive, Price: decimal.NewFromInt(10), ADV: decimal.NewFromInt(200000), BaseScore: 0.5, ClusterID: "cluster-1"},
	}

	members, err := eng.Build(context.Background(), "u1", "2026-01-15", candidates)
	require.NoError(t, err)
	byID := memberMap(members)
	assert.Equal(t, 1, byID["BBB"].Rank, "BBB's cluster bonus should outrank AAA's identical base score")
	assert.Equal(t, 2, byID["AAA"].Rank)
}

func memberMap(members []types.UniverseMember) map[string]types.UniverseMember {
	out := make(map[string]types.UniverseMember, len(members))
	for _, m := range members {
		out[m.InstrumentID] = m
	}
	return out
}
