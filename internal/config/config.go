package config

type Config struct {
	Storage StorageConfig
	Stream  StreamConfig
	Scoring ScoringConfig
	Log     LogConfig
	Metrics MetricsConfig
}

type StorageConfig struct {
	DataDir      string
	DatabaseName string
}

type StreamConfig struct {
	BaseURL      string
	RESTBaseURL  string
	StallTimeout string
}

type ScoringConfig struct {
	BaseURL    string
	Host       string
	Timeout    string
	MaxRetries int
	RetryDelay string
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint.
	Addr string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:      "db",
			DatabaseName: "botwatch",
		},
		Stream: StreamConfig{
			BaseURL:      "https://stream.twitter.com",
			RESTBaseURL:  "https://api.twitter.com",
			StallTimeout: "90s",
		},
		Scoring: ScoringConfig{
			BaseURL:    "https://botometer-pro.p.rapidapi.com",
			Host:       "botometer-pro.p.rapidapi.com",
			Timeout:    "60s",
			MaxRetries: -1,
			RetryDelay: "30s",
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/botwatch/config.json, then applies BOTWATCH_* environment
// overrides. Missing file means defaults.
//
// Credentials are not part of the config; they are passed on the command line.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}
