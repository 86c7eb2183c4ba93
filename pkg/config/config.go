package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	OneBot    OneBotConfig    `mapstructure:"onebot"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Weather   WeatherConfig   `mapstructure:"weather"`
	Bot       BotConfig       `mapstructure:"bot"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	WebhookPath    string        `mapstructure:"webhook_path"`
	Secret         string        `mapstructure:"secret"`
	EventTimeout   time.Duration `mapstructure:"event_timeout"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
}

// OneBotConfig points at the gateway's HTTP API used for outbound messages.
type OneBotConfig struct {
	APIURL      string        `mapstructure:"api_url"`
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type WeatherConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	GeoURL       string        `mapstructure:"geo_url"`
	APIURL       string        `mapstructure:"api_url"`
	SentinelCity string        `mapstructure:"sentinel_city"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// GroupConfig is the per-group authorization policy.
type GroupConfig struct {
	ID           int64   `mapstructure:"id"`
	AtOnly       *bool   `mapstructure:"at_only"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
	BlackList    []int64 `mapstructure:"black_list"`
}

// MentionRequired reports the effective at_only setting, which defaults to
// true when the key is absent.
func (g GroupConfig) MentionRequired() bool {
	return g.AtOnly == nil || *g.AtOnly
}

type BotConfig struct {
	BotID         int64         `mapstructure:"bot_id"`
	AllowedUsers  []int64       `mapstructure:"allowed_users"`
	CommandPrefix string        `mapstructure:"command_prefix"`
	Groups        []GroupConfig `mapstructure:"groups"`
}

type AgentConfig struct {
	SystemPrompt       string        `mapstructure:"system_prompt"`
	SummarizeThreshold int           `mapstructure:"summarize_threshold"`
	KeepLastN          int           `mapstructure:"keep_last_n"`
	MaxToolRounds      int           `mapstructure:"max_tool_rounds"`
	ModelTimeout       time.Duration `mapstructure:"model_timeout"`
	ToolTimeout        time.Duration `mapstructure:"tool_timeout"`
	Timezone           string        `mapstructure:"timezone"`
}

type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxLateness    time.Duration `mapstructure:"max_lateness"`
	ReminderPrefix string        `mapstructure:"reminder_prefix"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig enables the distributed thread lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const defaultSystemPrompt = `You are an AI assistant in a chat group.
Reply briefly and plainly, without markdown.
Decline questions unrelated to helping the user.
Answer in the language the user writes in.`

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", u.Port(), err)
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   DriverPostgres,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":5140")
	v.SetDefault("server.webhook_path", "/onebot")
	v.SetDefault("server.event_timeout", 3*time.Minute)
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("onebot.api_url", "http://127.0.0.1:3000")
	v.SetDefault("onebot.timeout", 30*time.Second)

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("openai.temperature", 0.7)

	v.SetDefault("weather.geo_url", "https://geoapi.qweather.com/v2")
	v.SetDefault("weather.api_url", "https://devapi.qweather.com/v7")
	v.SetDefault("weather.sentinel_city", "成都")
	v.SetDefault("weather.timeout", 10*time.Second)

	v.SetDefault("bot.command_prefix", "/")

	v.SetDefault("agent.system_prompt", defaultSystemPrompt)
	v.SetDefault("agent.summarize_threshold", 6)
	v.SetDefault("agent.keep_last_n", 2)
	v.SetDefault("agent.max_tool_rounds", 8)
	v.SetDefault("agent.model_timeout", 60*time.Second)
	v.SetDefault("agent.tool_timeout", 15*time.Second)
	v.SetDefault("agent.timezone", "Asia/Shanghai")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.max_lateness", 24*time.Hour)
	v.SetDefault("scheduler.reminder_prefix", "⏰ Reminder: ")
	v.SetDefault("scheduler.send_timeout", 30*time.Second)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", ".data/chat.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.lock_ttl", 5*time.Minute)

	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at path and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if baseURL := v.GetString("OPENAI_BASE_URL"); baseURL != "" {
		config.OpenAI.BaseURL = baseURL
	}
	if key := v.GetString("QWEATHER_KEY"); key != "" {
		config.Weather.APIKey = key
	}
	if token := v.GetString("ONEBOT_ACCESS_TOKEN"); token != "" {
		config.OneBot.AccessToken = token
	}
	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		u, err := url.Parse(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		config.Redis.Addr = u.Host
		if password, ok := u.User.Password(); ok {
			config.Redis.Password = password
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required"))
	}
	if c.Bot.BotID == 0 {
		errs = append(errs, errors.New("bot.bot_id is required"))
	}
	if c.Agent.SummarizeThreshold < 1 {
		errs = append(errs, fmt.Errorf("agent.summarize_threshold must be positive, got %d", c.Agent.SummarizeThreshold))
	}
	if c.Agent.KeepLastN < 0 || c.Agent.KeepLastN >= c.Agent.SummarizeThreshold {
		errs = append(errs, fmt.Errorf("agent.keep_last_n must be in [0, %d), got %d", c.Agent.SummarizeThreshold, c.Agent.KeepLastN))
	}
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_rounds must be positive, got %d", c.Agent.MaxToolRounds))
	}
	if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("agent.timezone: %w", err))
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	seen := make(map[int64]bool, len(c.Bot.Groups))
	for _, g := range c.Bot.Groups {
		if g.ID == 0 {
			errs = append(errs, errors.New("bot.groups entry without id"))
			continue
		}
		if seen[g.ID] {
			errs = append(errs, fmt.Errorf("bot.groups: duplicate group %d", g.ID))
		}
		seen[g.ID] = true
	}

	return errors.Join(errs...)
}

// Location returns the configured agent time zone.
func (c *AgentConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}
