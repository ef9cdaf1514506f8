package chat

// Room describes a chat room and its members.
type Room struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

// RoomSummary is one row of the room_list presence snapshot.
type RoomSummary struct {
	Name        string `json:"name"`
	Count       int    `json:"count"`
	Description string `json:"description"`
}

// UserPresence is one row of the user_list presence snapshot.
type UserPresence struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// SeedRoom is a room created at process start.
type SeedRoom struct {
	Name        string
	Description string
}

// SeedRooms provides the rooms every terminal starts with.
func SeedRooms() []SeedRoom {
	return []SeedRoom{
		{Name: "Lobby", Description: "Where everyone lands. Say hello and look around."},
		{Name: "Techline", Description: "Hardware, software and whatever broke today."},
		{Name: "Lounge", Description: "Slow talk, music and late-night thoughts."},
		{Name: "Arcade", Description: "Games, scores and friendly trash talk."},
	}
}
