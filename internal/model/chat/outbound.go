package chat

import "encoding/json"

// Outbound is the closed set of events the server pushes to clients.
type Outbound interface {
	Type() string
}

// ChatBroadcast is a chat line delivered to the members of a room.
type ChatBroadcast struct {
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Room      string `json:"room"`
}

// RoomList is the room half of a presence snapshot.
type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
}

// UserList is the user half of a presence snapshot.
type UserList struct {
	Users []UserPresence `json:"users"`
}

// RoomChange acknowledges a successful move.
type RoomChange struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

// System carries a plain informational notice.
type System struct {
	Content string `json:"content"`
}

// Error carries a request-scoped error for the originating connection.
type Error struct {
	Content string `json:"content"`
}

func (ChatBroadcast) Type() string { return TypeChatMessage }
func (RoomList) Type() string      { return TypeRoomList }
func (UserList) Type() string      { return TypeUserList }
func (RoomChange) Type() string    { return TypeRoomChange }
func (System) Type() string        { return TypeSystem }
func (Error) Type() string         { return TypeError }

func (m ChatBroadcast) MarshalJSON() ([]byte, error) {
	type alias ChatBroadcast
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m RoomList) MarshalJSON() ([]byte, error) {
	type alias RoomList
	if m.Rooms == nil {
		m.Rooms = []RoomSummary{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m UserList) MarshalJSON() ([]byte, error) {
	type alias UserList
	if m.Users == nil {
		m.Users = []UserPresence{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m RoomChange) MarshalJSON() ([]byte, error) {
	type alias RoomChange
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m System) MarshalJSON() ([]byte, error) {
	type alias System
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

// Encode serializes an outbound event into a wire frame.
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}
