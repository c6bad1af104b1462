package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/qmaster/internal/history"
	"github.com/loykin/qmaster/internal/history/opensearch"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		wantErr bool
		want    any
	}{
		{"empty", "", true, nil},
		{"invalid scheme", "invalid://test", true, nil},
		{"opensearch", "opensearch://localhost:9200/queue-health", false, &opensearch.Sink{}},
		{"opensearch without host", "opensearch:///idx", true, nil},
		{"sqlite file", "sqlite://" + filepath.Join(t.TempDir(), "h.db"), false, &history.SQLSink{}},
		{"sqlite memory", "sqlite://:memory:", false, &history.SQLSink{}},
		{"bare path", filepath.Join(t.TempDir(), "bare.db"), false, &history.SQLSink{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = sink.Close() }()
			assert.IsType(t, tt.want, sink)
		})
	}
}

func TestFactory_ClickHouseUnreachable(t *testing.T) {
	_, err := NewSinkFromDSN("clickhouse://default:@127.0.0.1:1/default?table=snaps")
	assert.Error(t, err)
}
