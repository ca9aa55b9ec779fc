package providers

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/dotsetgreg/fishagent/pkg/config"
	"github.com/dotsetgreg/fishagent/pkg/conversation"
	"github.com/dotsetgreg/fishagent/pkg/logger"
	"github.com/sashabaranov/go-openai"
)

const (
	IntentPrice   = "price"
	IntentTech    = "tech"
	IntentDefault = "default"

	maxHistoryTurns = 20
)

var (
	priceKeywords = []string{"便宜", "价", "砍", "少点", "优惠", "多少钱", "包邮", "折", "最低", "能少", "刀"}
	techKeywords  = []string{"参数", "规格", "型号", "配置", "尺寸", "功能", "性能", "怎么用", "兼容", "续航", "电池", "内存", "成色", "对比"}
)

const basePrompt = `你是一名闲鱼卖家，正在和买家私聊。回复要口语化、简短(不超过50字)，不要使用markdown，不要暴露你是AI。
商品信息：%s`

var intentPrompts = map[string]string{
	IntentPrice:   `买家在议价。守住价格底线，可以适当让利但每次让步幅度递减；已议价 %d 次，次数越多越坚定。`,
	IntentTech:    `买家在问商品细节。只根据商品信息如实回答，信息里没有的不要编造，可以建议买家看图或详情。`,
	IntentDefault: `礼貌回应买家，尽量引导买家下单；和商品无关的问题简单带过。`,
}

// Reply is the generator's answer and the intent it was routed under.
type Reply struct {
	Text   string
	Intent string
}

// ReplyBot generates seller replies through a chat completion endpoint,
// routing each message to a price, tech or default prompt.
type ReplyBot struct {
	client      chatClient
	model       string
	temperature float32
	maxTokens   int
}

func NewReplyBot(cfg config.ModelConfig) (*ReplyBot, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("reply provider: %w", err)
	}
	return newReplyBot(client, cfg), nil
}

func newReplyBot(client chatClient, cfg config.ModelConfig) *ReplyBot {
	return &ReplyBot{
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}
}

// ClassifyIntent routes a buyer message by keyword. Price wins over tech.
func ClassifyIntent(text string) string {
	for _, kw := range priceKeywords {
		if strings.Contains(text, kw) {
			return IntentPrice
		}
	}
	for _, kw := range techKeywords {
		if strings.Contains(text, kw) {
			return IntentTech
		}
	}
	return IntentDefault
}

// bargainTurns counts earlier buyer turns routed as price, not counting
// text itself when it is already the last stored turn.
func bargainTurns(history []conversation.Turn, text string) int {
	if n := len(history); n > 0 && history[n-1].Role == conversation.RoleUser && history[n-1].Text == text {
		history = history[:n-1]
	}
	n := 0
	for _, turn := range history {
		if turn.Role == conversation.RoleUser && ClassifyIntent(turn.Text) == IntentPrice {
			n++
		}
	}
	return n
}

// priceTemperature rises with each bargaining round, capped at 0.9.
func priceTemperature(rounds int) float32 {
	return float32(math.Min(0.3+0.15*float64(rounds), 0.9))
}

// Generate answers text given the listing description and the stored
// history. text is sent as the final user message unless history already
// ends with it.
func (b *ReplyBot) Generate(ctx context.Context, text, itemDesc string, history []conversation.Turn) (Reply, error) {
	intent := ClassifyIntent(text)
	temperature := b.temperature

	system := fmt.Sprintf(basePrompt, itemDesc)
	switch intent {
	case IntentPrice:
		rounds := bargainTurns(history, text)
		system += "\n" + fmt.Sprintf(intentPrompts[IntentPrice], rounds)
		temperature = priceTemperature(rounds)
	default:
		system += "\n" + intentPrompts[intent]
	}

	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	messages = append(messages, historyMessages(history, text)...)

	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   b.maxTokens,
	}
	content, err := complete(ctx, b.client, req)
	if err != nil {
		return Reply{}, err
	}

	logger.DebugCF("providers", "Reply generated", map[string]any{
		"intent":  intent,
		"history": len(history),
		"model":   b.model,
	})
	return Reply{Text: content, Intent: intent}, nil
}

// historyMessages keeps the most recent turns and makes sure the
// conversation ends with the buyer's message.
func historyMessages(history []conversation.Turn, text string) []openai.ChatCompletionMessage {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == conversation.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	last := len(out) - 1
	if last < 0 || out[last].Role != openai.ChatMessageRoleUser || out[last].Content != text {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
	}
	return out
}
