package models

// Platform identifies the chat network a bot is registered on.
const PlatformTelegram = "telegram"

// BotConfig is the bot identity a worker is started with.
type BotConfig struct {
	BotID    string `json:"botId" yaml:"bot_id"`
	Token    string `json:"token" yaml:"token"`
	Platform string `json:"platform,omitempty" yaml:"platform"`
	Active   bool   `json:"active" yaml:"active"`
}

// Assistant is the AI assistant bound to a bot. The handoff lists override the
// worker-wide defaults when non-empty.
type Assistant struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name,omitempty" yaml:"name"`
	Model           string   `json:"model,omitempty" yaml:"model"`
	SystemPrompt    string   `json:"systemPrompt,omitempty" yaml:"system_prompt"`
	HandoffKeywords []string `json:"handoffKeywords,omitempty" yaml:"handoff_keywords"`
	FallbackPhrases []string `json:"fallbackPhrases,omitempty" yaml:"fallback_phrases"`
}
