package daemon

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtxerr/tsdb/internal/config"
	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage"
	"github.com/xtxerr/tsdb/internal/storage/types"
	tsdbtest "github.com/xtxerr/tsdb/internal/testing"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Node.ID = "n1"
	cfg.Node.DataDir = t.TempDir()
	cfg.Logging.Level = "error"
	return cfg
}

func points(n int) []types.Point {
	return tsdbtest.DefaultSeries().RandomWalk(n, 1)
}

func count(t *testing.T, e *storage.Engine) int {
	t.Helper()
	result, err := e.QueryDataPoints("metrics", "cpu", "usage", 0, math.MaxInt64, nil, nil)
	require.NoError(t, err)
	if len(result) == 0 {
		return 0
	}
	return result[0].Len()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Codec = "nope"
	cfg.ApplyDefaults()

	_, err := New(cfg)
	require.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestDaemon_ArchiveSurvivesRestart(t *testing.T) {
	for _, kind := range []string{"disk", "parquet"} {
		t.Run(kind, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Archive.Enabled = true
			cfg.Archive.Type = kind
			cfg.ApplyDefaults()

			d, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, d.Start())
			require.Nil(t, d.Node())
			require.Nil(t, d.Addr())

			require.NoError(t, d.Write(context.Background(), points(300)))
			require.Equal(t, 300, count(t, d.Engine()))
			require.NoError(t, d.Stop())

			restarted, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, restarted.Start())
			defer restarted.Stop()

			require.Equal(t, 300, count(t, restarted.Engine()))
		})
	}
}

func TestDaemon_SingleNodeCluster(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.Enabled = true
	cfg.Cluster.Listen = "127.0.0.1:0"
	cfg.Cluster.ReplicationFactor = 1
	cfg.Cluster.Peers = []config.PeerConfig{{ID: "n1", Address: "127.0.0.1:9928"}}
	cfg.ApplyDefaults()
	require.True(t, cfg.WAL.Enabled)

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	require.NotNil(t, d.Addr())
	require.NoError(t, d.Write(context.Background(), points(100)))
	require.Equal(t, 100, count(t, d.Engine()))

	leader, ok := d.Manager().Leader("metrics/cpu")
	require.True(t, ok)
	require.Equal(t, "n1", leader)

	w, ok := d.Manager().WAL("metrics/cpu")
	require.True(t, ok)
	require.Positive(t, w.NextOffset())
	require.Equal(t, w.NextOffset(), w.CommitOffset(), "a route without followers commits on append")

	stats := d.Node().Stats()
	require.Equal(t, int64(1), stats.Batches)
	require.Equal(t, int64(100), stats.Points)
}
