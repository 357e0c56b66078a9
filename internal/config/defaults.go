package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		WhatsApp: WhatsAppConfig{
			Enabled:           false,
			APIBase:           "https://api.twilio.com",
			ValidateSignature: true,
			TimeoutSeconds:    30,
		},
		Gateway: GatewayConfig{
			MaxConcurrentSends: 8,
		},
		Store: StoreConfig{
			DBPath: "~/.wagate/wagate.db",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Enabled: false,
				Topic:   "whatsapp.lifecycle",
			},
		},
		Alerts: AlertsConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
