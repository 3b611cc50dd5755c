package main

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianSync/services/sync/conflict"
	"github.com/AleutianAI/AleutianSync/services/sync/datatypes"
)

func conflictWithWriters(entities ...map[string]any) *conflict.Info {
	info := &conflict.Info{ConflictID: "c-1", EntityType: "task", EntityID: "t-1"}
	for i, entity := range entities {
		info.Changes = append(info.Changes, conflict.ConflictingChange{
			ChangeID: string(rune('a' + i)),
			Change: datatypes.ContextChange{
				FullEntity: entity,
				Metadata:   datatypes.ChangeMetadata{UserID: "user"},
			},
		})
	}
	return info
}

func TestContestedFields(t *testing.T) {
	info := conflictWithWriters(
		map[string]any{"name": "a", "priority": "high", "owner": "x"},
		map[string]any{"name": "b", "priority": "high", "due": "friday"},
	)

	got := contestedFields(info)
	assert.Equal(t, []string{"name"}, got)
}

func TestContestedFields_NoOverlap(t *testing.T) {
	info := conflictWithWriters(
		map[string]any{"name": "a"},
		map[string]any{"owner": "b"},
	)
	assert.Empty(t, contestedFields(info))
}

func keyMsg(key string) tea.KeyMsg {
	if key == "esc" {
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
}

func TestWatchModel_QuitKeys(t *testing.T) {
	m := watchModel{}
	for _, key := range []string{"q", "esc"} {
		_, cmd := m.Update(keyMsg(key))
		assert.NotNil(t, cmd, "key %q should quit", key)
	}
}

func TestWatchModel_FetchSchedulesNextTick(t *testing.T) {
	m := watchModel{}
	next, cmd := m.Update(conflictsFetchedMsg{infos: []*conflict.Info{{ConflictID: "c-1"}}})
	assert.NotNil(t, cmd)

	wm, ok := next.(watchModel)
	assert.True(t, ok)
	assert.Len(t, wm.infos, 1)
	assert.NotEmpty(t, wm.View())
}
