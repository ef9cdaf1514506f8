package ai

import (
	"fmt"
	"strings"
)

// PromptTemplate defines the structure for an assistant prompt
type PromptTemplate struct {
	SystemPrompt string
	Rules        []string
}

// Build renders the template with the room it is used in.
func (p PromptTemplate) Build(room string) string {
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	if room != "" {
		fmt.Fprintf(&b, "\n\n当前房间：%s", room)
	}
	if len(p.Rules) > 0 {
		b.WriteString("\n\n规则：\n- ")
		b.WriteString(strings.Join(p.Rules, "\n- "))
	}
	return b.String()
}

var softenerPrompt = PromptTemplate{
	SystemPrompt: `You rewrite chat messages so they keep their meaning but lose the hostility. You are a moderator inside a retro terminal chat room.`,
	Rules: []string{
		"Reply with the rewritten message only, no quotes and no commentary",
		"Keep the language of the original message",
		"Keep it about as long as the original",
		"Remove insults, slurs and shouting",
	},
}

var companionPrompt = PromptTemplate{
	SystemPrompt: `你是 companion，一位驻留在复古终端聊天室里的陪伴者。用户私下召唤了你，其他人看不到你们的对话。`,
	Rules: []string{
		"回复简短，像终端里的一行聊天，不超过三句话",
		"根据房间最近的聊天记录理解上下文，但不要复述别人的原话",
		"语气温和、真诚，必要时给予安慰",
		"提醒用户输入 bye 可以回到房间",
	},
}
