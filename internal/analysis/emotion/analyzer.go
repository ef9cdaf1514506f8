package emotion

import (
	"strings"
	"unicode"
)

// Label 表示一条聊天消息的情绪倾向。
type Label string

const (
	Neutral Label = "neutral"
	Happy   Label = "happy"
	Sad     Label = "sad"
	Angry   Label = "angry"
	Excited Label = "excited"
)

// Decision 给出情绪识别结果以及得分。
type Decision struct {
	Emotion Label
	Score   int
}

var keywordBuckets = map[Label][]string{
	Happy: {
		"开心", "高兴", "快乐", "太好了", "太棒了", "哈哈", "lol", "haha", "awesome", "great",
		"thanks", "thank you", "love", "nice", "喜欢", "好耶", "笑死",
	},
	Sad: {
		"难过", "伤心", "失落", "沮丧", "哭", "寂寞", "孤单", "失望", "委屈",
		"unhappy", "sad", "cry", "depressed", "upset", "hurt", "lonely", "miss you",
	},
	Angry: {
		"生气", "愤怒", "火大", "气死", "烦死", "受够了", "滚", "闭嘴", "垃圾", "傻",
		"angry", "furious", "rage", "pissed", "hate", "shut up", "idiot", "stupid", "moron",
		"loser", "dumb", "screw you", "get lost",
	},
	Excited: {
		"期待", "激动", "太酷了", "惊喜", "哇塞", "can't wait", "hype", "wow", "let's go", "pog",
	},
}

// Analyze 根据关键词、感叹号和全大写喊叫推断一条消息的情绪。
func Analyze(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Emotion: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	exclamations := strings.Count(text, "!") + strings.Count(text, "！")
	if exclamations > 0 {
		scores[Excited] += exclamations * 2
		// 带攻击性词汇的感叹更像是发火。
		if scores[Angry] > 0 {
			scores[Angry] += exclamations * 2
		}
	}
	if shouting(text) {
		scores[Angry] += 3
	}

	best := Decision{Emotion: Neutral}
	for _, label := range []Label{Angry, Sad, Excited, Happy} {
		if s := scores[label]; s > best.Score {
			best = Decision{Emotion: label, Score: s}
		}
	}
	return best
}

// Hostile 判断消息是否足够激烈，需要在广播前软化。
func Hostile(text string, threshold int) bool {
	d := Analyze(text)
	return d.Emotion == Angry && d.Score >= threshold
}

// shouting 判断是否是全大写的长句。
func shouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) && r < unicode.MaxASCII {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 8 && upper*10 >= letters*9
}
