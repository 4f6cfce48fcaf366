package warehouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

func TestWatermarkColumnEncoding(t *testing.T) {
	ts, err := models.ParseWatermark(models.WatermarkTime, "2024-03-01T10:00:00.5Z")
	require.NoError(t, err)

	tests := []struct {
		name string
		in   *models.Watermark
		want string
	}{
		{"none", nil, ""},
		{"time", &ts, `{"kind":"time","value":"2024-03-01T10:00:00.5Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := EncodeWatermark(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)

			back, err := DecodeWatermark(s)
			require.NoError(t, err)
			assert.Equal(t, tt.in, back)
		})
	}
}

func TestDecodeWatermarkRejectsGarbage(t *testing.T) {
	_, err := DecodeWatermark(`{"kind":"int","value":"x"}`)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStateCorruption))
}

func TestCheckpointManifestEntry(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e := Checkpoint{Sequence: 7, ContentKey: "abc", RowCount: 3, CommittedAt: at}.ManifestEntry("db.s.t")

	assert.Equal(t, "db.s.t", e.TableID)
	assert.Equal(t, int64(7), e.Sequence)
	assert.True(t, e.Committed)
	require.NotNil(t, e.CommittedAt)
	assert.Equal(t, at, *e.CommittedAt)
}
