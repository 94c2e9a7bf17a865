package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampJSON(t *testing.T) {
	ts := NewTimestamp(time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.FixedZone("X", 3600)))

	data, err := json.Marshal(ts)
	require.NoError(t, err)
	require.Equal(t, `"2025-03-14T08:26:53.589Z"`, string(data))

	var back Timestamp
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, ts.Equal(back.Time))

	var zero Timestamp
	data, err = json.Marshal(zero)
	require.NoError(t, err)
	require.Equal(t, "null", string(data))
	require.NoError(t, json.Unmarshal([]byte("null"), &back))
	require.True(t, back.IsZero())

	// RFC 3339 without milliseconds is accepted too
	require.NoError(t, json.Unmarshal([]byte(`"2025-03-14T08:26:53Z"`), &back))
	require.Equal(t, int64(0), back.Millis()%1000)

	require.Error(t, json.Unmarshal([]byte(`12`), &back))
}

func TestParseEntityType(t *testing.T) {
	cases := map[string]EntityType{
		"boat":                  TypeBoat,
		"boats":                 TypeBoat,
		"Trips":                 TypeTrip,
		"maintenance":           TypeTemplate,
		"maintenance-templates": TypeTemplate,
		"maintenance_event":     TypeEvent,
		"locations":             TypeLocation,
		"photos":                TypePhoto,
	}
	for in, want := range cases {
		got, err := ParseEntityType(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseEntityType("connected")
	require.Error(t, err)
}

func TestSameContentIgnoresMeta(t *testing.T) {
	a := &Boat{Meta: Meta{ID: "b1", UpdatedAt: FromMillis(1000), Synced: true}, Name: "Aurora"}
	b := &Boat{Meta: Meta{ID: "b1", UpdatedAt: FromMillis(9000)}, Name: "Aurora"}

	same, err := SameContent(a, b)
	require.NoError(t, err)
	require.True(t, same)

	b.Name = "Borealis"
	same, err = SameContent(a, b)
	require.NoError(t, err)
	require.False(t, same)

	same, err = SameContent(a, &Trip{Meta: Meta{ID: "b1"}})
	require.NoError(t, err)
	require.False(t, same)
}

func TestRewriteReference(t *testing.T) {
	boatID := "local-boat"
	tripID := "local-trip"
	note := &Note{BoatID: &boatID, TripID: &tripID, Title: "n"}

	require.True(t, note.RewriteReference(TypeBoat, "local-boat", "srv-boat"))
	require.Equal(t, "srv-boat", *note.BoatID)
	require.Equal(t, "local-trip", *note.TripID)
	require.False(t, note.RewriteReference(TypeBoat, "local-boat", "srv-boat"))

	photo := &Photo{AttachedType: TypeTrip, AttachedID: "local-trip"}
	require.False(t, photo.RewriteReference(TypeNote, "local-trip", "x"))
	require.True(t, photo.RewriteReference(TypeTrip, "local-trip", "srv-trip"))
	require.Equal(t, []Ref{{Type: TypeTrip, ID: "srv-trip"}}, photo.References())

	event := &MaintenanceEvent{TemplateID: "t1", BoatID: "b1"}
	require.True(t, event.RewriteReference(TypeTemplate, "t1", "t2"))
	require.Equal(t, "t2", event.TemplateID)
}

func TestCloneKeepsLocalState(t *testing.T) {
	p := &Photo{Meta: Meta{ID: "p1", Acked: true}, LocalPath: "/tmp/p1.jpg", Caption: "sunset"}

	c, err := Clone(p)
	require.NoError(t, err)
	cp := c.(*Photo)
	require.Equal(t, "/tmp/p1.jpg", cp.LocalPath)
	require.True(t, cp.Acked)
	require.Equal(t, "sunset", cp.Caption)

	cp.Caption = "changed"
	require.Equal(t, "sunset", p.Caption)
}
