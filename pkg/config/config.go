// pkg/config/config.go
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string

	// Listen addresses, one deployable per agent.
	AuthAgentAddr     string
	TickerAgentAddr   string
	NotifierAgentAddr string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string

	// Opaque key for the credential cipher.
	MasterEncryptionKey string

	// Brokerage endpoints
	BrokerAPIBaseURL   string
	LoginAutomationURL string
	TickerWSURL        string

	// Operator login identities for the automated login flow,
	// keyed by tenant id. Passwords live only in env, never in the DB.
	BrokerUserMap     map[string]string
	BrokerPasswordMap map[string]string

	// Session refresh agent
	RefreshInterval time.Duration
	TokenTTL        time.Duration
	MaxRetryDelay   time.Duration

	// Ticker agent
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	Instruments           []uint32

	// Notifier agent
	ConsumerGroup    string
	ConsumerName     string
	StreamBlock      time.Duration
	StreamReadCount  int64
	WebhookURLs      map[string]string
	UrgentWebhookURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                   env("ORRA_ENV", "dev"),
		AuthAgentAddr:         env("AUTH_AGENT_ADDR", ":8091"),
		TickerAgentAddr:       env("TICKER_AGENT_ADDR", ":8092"),
		NotifierAgentAddr:     env("NOTIFIER_AGENT_ADDR", ":8093"),
		RedisURL:              env("REDIS_URL", ""),
		DatabaseURL:           env("DATABASE_URL", ""),
		MasterEncryptionKey:   env("MASTER_ENCRYPTION_KEY", ""),
		BrokerAPIBaseURL:      env("BROKER_API_BASE_URL", "https://api.kite.trade"),
		LoginAutomationURL:    env("LOGIN_AUTOMATION_URL", ""),
		TickerWSURL:           env("TICKER_WS_URL", "wss://ws.kite.trade"),
		BrokerUserMap:         envJSONMap("BROKER_USER_ID_MAP_JSON"),
		BrokerPasswordMap:     envJSONMap("BROKER_PASSWORD_MAP_JSON"),
		RefreshInterval:       envDur("AUTH_REFRESH_INTERVAL_SEC", 86400) * time.Second,
		TokenTTL:              envDur("AUTH_TOKEN_TTL_SEC", 72000) * time.Second,
		MaxRetryDelay:         envDur("AUTH_MAX_RETRY_DELAY_SEC", 300) * time.Second,
		ReconnectInitialDelay: envDur("TICKER_RECONNECT_INITIAL_DELAY_SEC", 2) * time.Second,
		ReconnectMaxDelay:     envDur("TICKER_RECONNECT_MAX_DELAY_SEC", 120) * time.Second,
		Instruments:           loadInstruments(),
		ConsumerGroup:         env("NOTIFIER_CONSUMER_GROUP", "notifier"),
		ConsumerName:          env("NOTIFIER_CONSUMER_NAME", "notifier-1"),
		StreamBlock:           envDur("NOTIFIER_STREAM_BLOCK_MS", 5000) * time.Millisecond,
		StreamReadCount:       int64(envInt("NOTIFIER_STREAM_READ_COUNT", 100)),
		WebhookURLs: map[string]string{
			"telegram": env("WEBHOOK_URL_TELEGRAM", ""),
			"whatsapp": env("WEBHOOK_URL_WHATSAPP", ""),
			"email":    env("WEBHOOK_URL_EMAIL", ""),
		},
		UrgentWebhookURL: env("WEBHOOK_URL_URGENT", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory tenant directory for dev")
	}
	return cfg
}

// loadInstruments reads the subscription set from INSTRUMENTS_FILE (yaml)
// when present, else from INSTRUMENT_TOKENS_CSV.
func loadInstruments() []uint32 {
	if path := os.Getenv("INSTRUMENTS_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[WARN] instruments file %s unreadable: %v", path, err)
			return nil
		}
		tokens, err := ParseInstrumentsYAML(raw)
		if err != nil {
			log.Printf("[WARN] instruments file %s invalid: %v", path, err)
			return nil
		}
		return tokens
	}
	return parseInstrumentsCSV(os.Getenv("INSTRUMENT_TOKENS_CSV"))
}

// ParseInstrumentsYAML decodes an instruments manifest of the form:
//
//	instruments:
//	  - token: 256265
//	  - token: 260105
func ParseInstrumentsYAML(raw []byte) ([]uint32, error) {
	var doc struct {
		Instruments []struct {
			Token uint32 `yaml:"token"`
		} `yaml:"instruments"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	tokens := make([]uint32, 0, len(doc.Instruments))
	for _, in := range doc.Instruments {
		if in.Token != 0 {
			tokens = append(tokens, in.Token)
		}
	}
	return tokens, nil
}

func parseInstrumentsCSV(csv string) []uint32 {
	var tokens []uint32
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			log.Printf("[WARN] skipping bad instrument token %q", part)
			continue
		}
		tokens = append(tokens, uint32(n))
	}
	return tokens
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	return time.Duration(envInt(k, def))
}
func envJSONMap(k string) map[string]string {
	m := map[string]string{}
	if v := os.Getenv(k); v != "" {
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			log.Printf("[WARN] %s is not a valid JSON map: %v", k, err)
		}
	}
	return m
}
