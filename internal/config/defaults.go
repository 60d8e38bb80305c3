package config

const (
	DefaultApology      = "Sorry, something went wrong. Please try again later."
	DefaultVoiceTrigger = "reply in voice"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.docrelay",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			ShutdownTimeoutSeconds: 10,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			MaxTokens:       250,
			Temperature:     0.5,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				Kind:         "openai",
				APIBase:      "https://api.openai.com/v1",
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4.1-mini",
			},
		},
		Transcription: TranscriptionConfig{
			APIBase: "https://api.openai.com/v1",
			APIKey:  "${OPENAI_API_KEY}",
			Model:   "whisper-1",
		},
		Speech: SpeechConfig{
			Provider: "openai",
			APIBase:  "https://api.openai.com/v1",
			APIKey:   "${OPENAI_API_KEY}",
			Model:    "tts-1",
			Voice:    "alloy",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				APIBase:     "https://api.twilio.com",
				WebhookPath: "/message",
			},
			Messenger: MessengerConfig{
				GraphBase:   "https://graph.facebook.com/v18.0",
				WebhookPath: "/facebook/webhook",
			},
		},
		Memory: MemoryConfig{
			Driver:       "sqlite",
			DBPath:       "~/.docrelay/conversations.db",
			HistoryLimit: 50,
			MaxConns:     4,
		},
		Media: MediaConfig{
			Dir:              "~/.docrelay/media",
			RoutePrefix:      "/media/",
			MaxDownloadBytes: 16 << 20,
			RetentionHours:   24,
			SweepSchedule:    "@every 30m",
		},
		Relay: RelayConfig{
			VoiceTrigger:  DefaultVoiceTrigger,
			ApologyText:   DefaultApology,
			MaxConcurrent: 16,
			MaxQueued:     256,
			Timeouts: StageTimeouts{
				Fetch:      30,
				Transcribe: 120,
				Model:      60,
				Store:      5,
				Synthesize: 60,
				Dispatch:   30,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
