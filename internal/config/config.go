package config

import (
	"fmt"
	"github.com/ilyakaznacheev/cleanenv"
	"log"
	"sync"
	"time"
)

type Config struct {
	Env      string `yaml:"env" env-default:"local"`
	Telegram struct {
		ApiKey   string `yaml:"api_key" env-default:""`
		BotName  string `yaml:"bot_name" env-default:"FunnelBot"`
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		TenantID string `yaml:"tenant_id" env-default:"default"`
		BotID    string `yaml:"bot_id" env-default:"default"`
	} `yaml:"telegram"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"127.0.0.1"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:"admin"`
		Password string `yaml:"password" env-default:"pass"`
		Database string `yaml:"database" env-default:"funnelbot"`
	} `yaml:"mongo"`
	Redis struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Addr     string `yaml:"addr" env-default:"127.0.0.1:6379"`
		Password string `yaml:"password" env-default:""`
		DB       int    `yaml:"db" env-default:"0"`
		PoolSize int    `yaml:"pool_size" env-default:"10"`
		Prefix   string `yaml:"prefix" env-default:"funnel:dedup:"`
	} `yaml:"redis"`
	Listen struct {
		BindIP string `yaml:"bind_ip" env-default:"127.0.0.1"`
		Port   string `yaml:"port" env-default:"9100"`
		ApiKey string `yaml:"key" env-default:""`
	} `yaml:"listen"`
	Engine struct {
		TransitionBudget int           `yaml:"transition_budget" env-default:"50"`
		StateTTL         time.Duration `yaml:"state_ttl" env-default:"72h"`
		MaxInputRetries  int           `yaml:"max_input_retries" env-default:"3"`
		DedupTTL         time.Duration `yaml:"dedup_ttl" env-default:"24h"`
		DedupSweep       string        `yaml:"dedup_sweep" env-default:"0 */10 * * * *"`
		CASAttempts      int           `yaml:"cas_attempts" env-default:"5"`
		DefinitionsTTL   time.Duration `yaml:"definitions_ttl" env-default:"1m"`
		FallbackText     string        `yaml:"fallback_text" env-default:"Sorry, something went wrong. Please try again later."`
		RetryText        string        `yaml:"retry_text" env-default:"Invalid answer, please try again."`
		HandoffText      string        `yaml:"handoff_text" env-default:"An operator will reply shortly."`
	} `yaml:"engine"`
	Actions struct {
		Timeout          time.Duration `yaml:"timeout" env-default:"10s"`
		MaxAttempts      int           `yaml:"max_attempts" env-default:"5"`
		InlineRetries    uint64        `yaml:"inline_retries" env-default:"2"`
		WebhookSecret    string        `yaml:"webhook_secret" env-default:""`
		NotifyURL        string        `yaml:"notify_url" env-default:""`
		BreakerFailures  uint32        `yaml:"breaker_failures" env-default:"5"`
		BreakerOpenDelay time.Duration `yaml:"breaker_open_delay" env-default:"30s"`
	} `yaml:"actions"`
	Broadcast struct {
		RatePerSecond      float64       `yaml:"rate_per_second" env-default:"25"`
		Burst              int           `yaml:"burst" env-default:"5"`
		BatchSize          int           `yaml:"batch_size" env-default:"50"`
		Concurrency        int           `yaml:"concurrency" env-default:"5"`
		MaxThrottleRetries int           `yaml:"max_throttle_retries" env-default:"5"`
		ThrottleBackoff    time.Duration `yaml:"throttle_backoff" env-default:"1s"`
		DueCheck           string        `yaml:"due_check" env-default:"*/30 * * * * *"`
	} `yaml:"broadcast"`
	Jobs struct {
		PollInterval time.Duration `yaml:"poll_interval" env-default:"2s"`
		BatchSize    int           `yaml:"batch_size" env-default:"20"`
		StaleAfter   time.Duration `yaml:"stale_after" env-default:"5m"`
		RetryBase    time.Duration `yaml:"retry_base" env-default:"30s"`
		StaleCheck   string        `yaml:"stale_check" env-default:"0 */5 * * * *"`
	} `yaml:"jobs"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("%s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
	})
	return instance
}
