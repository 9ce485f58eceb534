package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:      "info",
			DefaultTenant: "default",
			DispatchMode:  "queued",
		},
		Store: StoreConfig{
			DBPath: "~/.distributor/distributor.db",
		},
		Queue: QueueConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "distributor",
			},
			Concurrency:    5,
			MaxRetries:     3,
			BaseDelayMs:    2000,
			MaxDelayMs:     60000,
			KeepCompleted:  100,
			KeepFailed:     500,
			PollIntervalMs: 200,
		},
		Rules: RulesConfig{
			CustomCostLimit:  10000,
			ProgramCacheSize: 256,
		},
		Providers: ProvidersConfig{
			TimeoutSeconds: 30,
			Fallback: map[string][]string{
				"email": {"smtp", "sendgrid", "mailgun"},
				"sms":   {"twilio", "vonage"},
				"chat":  {"whatsapp", "telegram", "slack", "discord"},
			},
			SMTP: SMTPConfig{
				Port:      587,
				TLSPolicy: "opportunistic",
			},
			WhatsApp: WhatsAppConfig{
				WebhookPath: "/webhooks/whatsapp",
			},
			Telegram: TelegramConfig{
				ParseMode: "Markdown",
			},
			Postal: SimulatedConfig{Enabled: true, DelayMs: 1000},
			EDI:    SimulatedConfig{Enabled: true, DelayMs: 500},
		},
		Templates: map[string]TemplateConfig{
			"email": {
				Subject: "Invoice {{.Number}}",
				Body:    defaultTextBody,
				HTML:    defaultHTMLBody,
			},
			"sms":  {Body: defaultShortBody},
			"chat": {Body: defaultShortBody},
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Events: EventsConfig{
			HistorySize: 200,
			Kafka: KafkaConfig{
				Topic:    "distribution.events",
				ClientID: "distributor",
			},
		},
	}
}

const defaultTextBody = `Dear {{.Customer.Name}},

invoice {{.Number}} for {{printf "%.2f" .Amount}} {{.Currency}} is due on {{.DueDate.Format "2006-01-02"}}.
`

const defaultHTMLBody = `<p>Dear {{.Customer.Name}},</p>
<p>invoice <strong>{{.Number}}</strong> for {{printf "%.2f" .Amount}} {{.Currency}} is due on {{.DueDate.Format "2006-01-02"}}.</p>
`

const defaultShortBody = `Invoice {{.Number}}: {{printf "%.2f" .Amount}} {{.Currency}} due {{.DueDate.Format "2006-01-02"}}`
