package conflict

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-boatsync/model"
)

func note(id, content string, ms int64) *model.Note {
	return &model.Note{Meta: model.Meta{ID: id, UpdatedAt: model.FromMillis(ms)}, Title: "log", Content: content}
}

func TestDetectToleranceWindow(t *testing.T) {
	d := NewDetector(0)
	require.Equal(t, time.Second, d.Tolerance)

	tests := []struct {
		name     string
		local    *model.Note
		server   *model.Note
		conflict bool
	}{
		{"same content far apart", note("n1", "a", 0), note("n1", "a", 60_000), false},
		{"differing content exactly at tolerance", note("n1", "a", 10_000), note("n1", "b", 11_000), false},
		{"differing content inside tolerance", note("n1", "a", 10_000), note("n1", "b", 10_400), false},
		{"differing content past tolerance", note("n1", "a", 10_000), note("n1", "b", 11_001), true},
		{"local newer past tolerance", note("n1", "a", 20_000), note("n1", "b", 10_000), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := d.Detect(tt.local, tt.server)
			require.NoError(t, err)
			require.Equal(t, tt.conflict, c != nil)
			if c != nil {
				require.Equal(t, model.TypeNote, c.EntityType)
				require.Equal(t, KindContent, c.Kind)
			}
		})
	}
}

func TestConfigurableTolerance(t *testing.T) {
	d := NewDetector(5 * time.Second)
	c, err := d.Detect(note("n1", "a", 0), note("n1", "b", 4_000))
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestLastWriterWins(t *testing.T) {
	c := &Conflict{EntityType: model.TypeNote, EntityID: "n1", Local: note("n1", "a", 5_000), Server: note("n1", "b", 9_000)}
	winner, res := c.LastWriterWins()
	require.Equal(t, ResolutionServerWins, res)
	require.Equal(t, "b", winner.(*model.Note).Content)
	require.Equal(t, "local", c.Record(res, time.Now()).Overwritten)

	c.Local, c.Server = c.Server, c.Local
	winner, res = c.LastWriterWins()
	require.Equal(t, ResolutionLocalWins, res)
	require.Equal(t, "b", winner.(*model.Note).Content)
	require.Equal(t, "server", c.Record(res, time.Now()).Overwritten)
}

func TestAuditLogWritesEachRecordOnce(t *testing.T) {
	var buf bytes.Buffer
	var notified []Record
	log := NewAuditLog(&buf, NotifierFunc(func(ctx context.Context, r Record) {
		notified = append(notified, r)
	}))

	c := &Conflict{EntityType: model.TypeNote, EntityID: "n1", Kind: KindContent, Local: note("n1", "a", 5_000), Server: note("n1", "b", 9_000)}
	_, res := c.LastWriterWins()
	log.Log(context.Background(), c.Record(res, time.Now()))

	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
	require.Contains(t, buf.String(), `"entity_id":"n1"`)
	require.Contains(t, buf.String(), `"resolution":"server_wins"`)
	require.Len(t, notified, 1)
	require.Len(t, log.Recent(), 1)
}
