package entity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTracksSaveAndDelete(t *testing.T) {
	s := NewStatus(0)
	boom := errors.New("boom")

	s.Notify(Event{Type: EventSaveStart, Kind: "postType", Name: "post", RecordID: "10"})
	assert.True(t, s.IsSaving("postType", "post", "10"))
	assert.False(t, s.IsSaving("postType", "post", "11"))

	s.Notify(Event{Type: EventSaveFinish, Kind: "postType", Name: "post", RecordID: "10", Err: boom})
	assert.False(t, s.IsSaving("postType", "post", "10"))
	assert.Equal(t, boom, s.LastSaveError("postType", "post", "10"))
	assert.Equal(t, RecordStatus{LastSaveError: "boom"}, s.Record("postType", "post", "10"))

	// a later success clears the error
	s.Notify(Event{Type: EventSaveStart, Kind: "postType", Name: "post", RecordID: "10"})
	s.Notify(Event{Type: EventSaveFinish, Kind: "postType", Name: "post", RecordID: "10"})
	assert.NoError(t, s.LastSaveError("postType", "post", "10"))

	s.Notify(Event{Type: EventDeleteStart, Kind: "postType", Name: "post", RecordID: "10"})
	assert.Equal(t, RecordStatus{Deleting: true}, s.Record("postType", "post", "10"))
	s.Notify(Event{Type: EventDeleteFinish, Kind: "postType", Name: "post", RecordID: "10", Err: boom})
	assert.False(t, s.IsDeleting("postType", "post", "10"))
	assert.Equal(t, boom, s.LastDeleteError("postType", "post", "10"))
}

func TestStatusKeepsBoundedRecentEvents(t *testing.T) {
	s := NewStatus(3)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		s.Notify(Event{Type: EventRemoveItems, Keys: []string{id}})
	}
	recent := s.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"3"}, recent[0].Keys)
	assert.Equal(t, []string{"5"}, recent[2].Keys)
}

func TestNotifiersFanOut(t *testing.T) {
	var got []string
	ns := Notifiers{
		NotifierFunc(func(e Event) { got = append(got, "a:"+string(e.Type)) }),
		nil,
		NotifierFunc(func(e Event) { got = append(got, "b:"+string(e.Type)) }),
	}
	ns.Notify(Event{Type: EventSaveStart})
	assert.Equal(t, []string{"a:save-start", "b:save-start"}, got)
}

func TestConfigsLoadAndDefaults(t *testing.T) {
	c := NewConfigs()
	require.NoError(t, c.Load(
		Config{Kind: "root", Name: "media", BaseURL: "/wp/v2/media/", SupportsBatching: true},
		Config{Kind: "postType", Name: "post", BaseURL: "/wp/v2/posts", BatchQueue: "posts"},
	))

	cfg, ok := c.Get("root", "media")
	require.True(t, ok)
	assert.Equal(t, "id", cfg.KeyField())
	assert.Equal(t, DefaultBatchQueue, cfg.Queue())
	assert.Equal(t, "/wp/v2/media/5", cfg.itemPath("5"))

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "postType", all[0].Kind)
	assert.Equal(t, []string{"entity-save"}, SaveQueues(all))

	assert.EqualError(t, c.Load(Config{Kind: "x"}), "kind and name required")
	assert.EqualError(t, c.Load(Config{Kind: "x", Name: "y"}), "base_url required for x/y")
	_, ok = c.Get("x", "y")
	assert.False(t, ok)
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "", idString(nil))
	assert.Equal(t, "page", idString("page"))
	assert.Equal(t, "10", idString(10.0))
	assert.Equal(t, "1.5", idString(1.5))
	assert.Equal(t, "7", idString(7))
}
