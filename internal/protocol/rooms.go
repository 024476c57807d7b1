// ABOUTME: Room naming conventions for multicast groups
// ABOUTME: One room per project plus one per connection role

package protocol

import "strings"

const (
	// AgentRoom holds every authenticated agent connection.
	AgentRoom = "agents"
	// WebRoom holds every authenticated web connection.
	WebRoom = "web-clients"

	projectRoomPrefix = "project:"
)

// ProjectRoom returns the room name for a project.
func ProjectRoom(projectID string) string {
	return projectRoomPrefix + projectID
}

// ExtractProjectID is the inverse of ProjectRoom.
func ExtractProjectID(room string) (string, bool) {
	if !strings.HasPrefix(room, projectRoomPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(room, projectRoomPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// RoleRoom returns the room a connection of the given type joins on authentication.
func RoleRoom(t ClientType) string {
	if t == ClientAgent {
		return AgentRoom
	}
	return WebRoom
}
