package config

const (
	DefaultEndpoint  = "http://localhost:8080/v1/chat-messages"
	DefaultToolLabel = "income_api_get_transaction_history_get"
	DefaultWelcome   = "Xin chào! Tôi là MIA, trợ lý tài chính của HDBank. Tôi có thể giúp gì cho bạn?"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			LogFormat:             "text",
			MaxConcurrentMessages: 8,
		},
		API: APIConfig{
			Endpoint:       DefaultEndpoint,
			User:           "ios-client",
			TimeoutSeconds: 60,
			MaxRetries:     2,
		},
		Chat: ChatConfig{
			TransactionToolLabel: DefaultToolLabel,
			WelcomeMessage:       DefaultWelcome,
			WelcomeSuggestions:   defaultWelcomeSuggestions(),
			RatePerMinute:        20,
			RateBurst:            5,
		},
		Memory: MemoryConfig{
			Enabled:      true,
			DBPath:       "~/.mia/mia.db",
			HistoryLimit: 100,
		},
		Telegram: TelegramConfig{
			Enabled: false,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8090",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 1800,
			MaxEntries: 1000,
		},
	}
}

func defaultWelcomeSuggestions() []string {
	return []string{
		"Thu chi 6 tháng gần đây của tôi thế nào?",
		"Số dư tài khoản của tôi là bao nhiêu?",
		"Chuyển 500.000đ cho mẹ",
	}
}
