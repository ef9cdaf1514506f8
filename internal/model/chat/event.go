package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire type discriminators.
const (
	TypeChatMessage = "chat_message"
	TypeJoinRoom    = "join_room"
	TypeCommand     = "command"
	TypeLogout      = "logout"
	TypeRoomList    = "room_list"
	TypeUserList    = "user_list"
	TypeRoomChange  = "room_change"
	TypeSystem      = "system"
	TypeError       = "error"
)

// ErrMalformedMessage marks inbound frames that cannot be decoded into an event.
var ErrMalformedMessage = errors.New("malformed message")

// Inbound is the closed set of events a client may send.
type Inbound interface {
	inbound()
}

// ChatMessage is a line of text typed into the current room.
type ChatMessage struct {
	Content string `json:"content"`
	Room    string `json:"room"`
}

// JoinRoom asks to move the session into another room.
type JoinRoom struct {
	Room string `json:"room"`
}

// Command is a slash command with its arguments.
type Command struct {
	Name string   `json:"command"`
	Args []string `json:"args"`
}

// Logout ends the session without a grace window.
type Logout struct{}

func (ChatMessage) inbound() {}
func (JoinRoom) inbound()    {}
func (Command) inbound()     {}
func (Logout) inbound()      {}

// DecodeInbound parses one client frame. Unknown types and invalid payloads
// are reported as ErrMalformedMessage.
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var (
		ev  Inbound
		err error
	)
	switch head.Type {
	case TypeChatMessage:
		var msg ChatMessage
		err = json.Unmarshal(data, &msg)
		ev = msg
	case TypeJoinRoom:
		var msg JoinRoom
		err = json.Unmarshal(data, &msg)
		if err == nil && strings.TrimSpace(msg.Room) == "" {
			err = errors.New("room is required")
		}
		ev = msg
	case TypeCommand:
		var msg Command
		err = json.Unmarshal(data, &msg)
		msg.Name = strings.TrimPrefix(strings.TrimSpace(msg.Name), "/")
		if err == nil && msg.Name == "" {
			err = errors.New("command is required")
		}
		ev = msg
	case TypeLogout:
		ev = Logout{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformedMessage, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, head.Type, err)
	}
	return ev, nil
}

// ParseCommandLine splits "/join Techline" into a Command. ok is false when
// the line is not a command.
func ParseCommandLine(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: fields[0], Args: fields[1:]}, true
}
