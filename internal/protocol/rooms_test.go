package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectRoom_RoundTrip(t *testing.T) {
	room := ProjectRoom("p1")
	assert.Equal(t, "project:p1", room)

	id, ok := ExtractProjectID(room)
	assert.True(t, ok)
	assert.Equal(t, "p1", id)
}

func TestExtractProjectID_NotAProjectRoom(t *testing.T) {
	for _, room := range []string{AgentRoom, WebRoom, "project:", "projects:p1", ""} {
		_, ok := ExtractProjectID(room)
		assert.False(t, ok, room)
	}
}

func TestRoleRoom(t *testing.T) {
	assert.Equal(t, "agents", RoleRoom(ClientAgent))
	assert.Equal(t, "web-clients", RoleRoom(ClientWeb))
}
