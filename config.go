package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config drží veškeré nastavení bridge.
// Vzniká jednou v main() a předává se konstruktorům, žádná globální proměnná.
type Config struct {
	MQTT     MQTTConfig
	Database DatabaseConfig

	// Volitelná Valkey (Redis) cache posledních hodnot. Prázdná adresa = vypnuto.
	ValkeyAddr string

	HTTPPort  string
	LogLevel  string
	LogToMQTT bool
}

// MQTTConfig: připojení k brokeru a odběr.
type MQTTConfig struct {
	URL      string
	User     string
	Password string

	ClientID string
	Topic    string // Topic s wildcards (např. iot/#)
	QoS      byte
}

// DatabaseConfig: připojení k relační DB (Postgres).
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Name     string
	Password string

	MaxConns        int32
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// LookupFunc odpovídá os.LookupEnv, v testech ji nahrazujeme mapou.
type LookupFunc func(key string) (string, bool)

// KeyValueGetter je platformní úložiště nastavení (snapctl).
type KeyValueGetter interface {
	Get(ctx context.Context, key string) (string, error)
}

// ConfigError je fatální chyba konfigurace, proces končí s exitConfigError.
type ConfigError struct {
	Keys []string
	Err  error
}

func (e *ConfigError) Error() string {
	if len(e.Keys) > 0 {
		return fmt.Sprintf("config: missing or invalid %s: %v", strings.Join(e.Keys, ", "), e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var errMissing = errors.New("value is empty")

// setting pojmenovává jednu povinnou hodnotu v obou zdrojích.
type setting struct {
	env  string
	snap string
}

var (
	settingMQTTURL    = setting{"MQTT_URL", "mqtt.url"}
	settingMQTTUser   = setting{"MQTT_USER", "mqtt.user"}
	settingMQTTPass   = setting{"MQTT_PASSWORD", "mqtt.password"}
	settingDBHost     = setting{"DATABASE_HOST", "database.host"}
	settingDBPort     = setting{"DATABASE_PORT", "database.port"}
	settingDBUser     = setting{"DATABASE_USER", "database.user"}
	settingDBName     = setting{"DATABASE_NAME", "database.name"}
	settingDBPassword = setting{"DATABASE_PASSWORD", "database.password"}
)

var requiredSettings = []setting{
	settingMQTTURL, settingMQTTUser, settingMQTTPass,
	settingDBHost, settingDBPort, settingDBUser, settingDBName, settingDBPassword,
}

// IsSnap: běžíme jako snap balíček, pokud platforma nastavila SNAP_NAME.
func IsSnap(lookup LookupFunc) bool {
	_, ok := lookup("SNAP_NAME")
	return ok
}

// LoadConfig načte nastavení. Povinné hodnoty bere buď z ENV (volitelně po načtení .env),
// nebo ze snapctl, podle toho, zda běžíme ve snapu. Provozní hodnoty mají default.
func LoadConfig(ctx context.Context, lookup LookupFunc, kv KeyValueGetter) (Config, error) {
	var (
		values map[setting]string
		err    error
	)
	if IsSnap(lookup) {
		values, err = loadFromKeyValue(ctx, kv)
	} else {
		values, err = loadFromEnv(lookup)
	}
	if err != nil {
		return Config{}, err
	}

	port, err := parsePort(values[settingDBPort])
	if err != nil {
		return Config{}, &ConfigError{Keys: []string{settingDBPort.env}, Err: err}
	}

	cfg := Config{
		MQTT: MQTTConfig{
			URL:      values[settingMQTTURL],
			User:     values[settingMQTTUser],
			Password: values[settingMQTTPass],
		},
		Database: DatabaseConfig{
			Host:     values[settingDBHost],
			Port:     port,
			User:     values[settingDBUser],
			Name:     values[settingDBName],
			Password: values[settingDBPassword],
		},
	}

	p := envParser{lookup: lookup}
	cfg.MQTT.ClientID = p.str("MQTT_CLIENT_ID", "iot-bridge-"+uuid.NewString()[:8])
	cfg.MQTT.Topic = p.str("MQTT_TOPIC", "iot/#")
	cfg.MQTT.QoS = byte(p.intRange("MQTT_QOS", 0, 0, 2))
	cfg.Database.MaxConns = int32(p.intRange("DB_MAX_CONNS", 10, 1, 1000))
	// Breaker je opt-in: v otevřeném stavu zahazuje eventy bez pokusu o INSERT.
	cfg.Database.BreakerFailures = uint32(p.intRange("DB_BREAKER_FAILURES", 0, 0, 1_000_000))
	cfg.Database.BreakerTimeout = p.duration("DB_BREAKER_TIMEOUT", 30*time.Second)
	cfg.ValkeyAddr = p.str("VALKEY_ADDR", "")
	cfg.HTTPPort = p.str("HTTP_PORT", "8080")
	cfg.LogLevel = p.str("LOG_LEVEL", "info")
	cfg.LogToMQTT = p.boolean("LOG_TO_MQTT", false)

	if len(p.bad) > 0 {
		return Config{}, &ConfigError{Keys: p.bad, Err: errors.New("invalid value")}
	}

	// Vlastní logy by se vracely jako zprávy, byly by odmítnuty a znovu zalogovány.
	if cfg.LogToMQTT && topicMatches(cfg.MQTT.Topic, logTopic(serviceName)) {
		return Config{}, &ConfigError{
			Keys: []string{"MQTT_TOPIC", "LOG_TO_MQTT"},
			Err:  fmt.Errorf("topic %q covers log topic %q", cfg.MQTT.Topic, logTopic(serviceName)),
		}
	}
	return cfg, nil
}

// loadFromEnv: lokální vývoj / Docker. Chybějící hodnoty hlásíme všechny najednou.
func loadFromEnv(lookup LookupFunc) (map[setting]string, error) {
	values := make(map[setting]string, len(requiredSettings))
	var missing []string
	for _, s := range requiredSettings {
		v, _ := lookup(s.env)
		v = strings.TrimSpace(v)
		if v == "" {
			missing = append(missing, s.env)
			continue
		}
		values[s] = v
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Keys: missing, Err: errMissing}
	}
	return values, nil
}

// loadFromKeyValue se ptá úložiště synchronně, jednu hodnotu po druhé.
// Prázdná hodnota není chyba, kterou by šlo zkusit znovu, končíme hned.
func loadFromKeyValue(ctx context.Context, kv KeyValueGetter) (map[setting]string, error) {
	if kv == nil {
		return nil, &ConfigError{Err: errors.New("no key/value getter for snap environment")}
	}
	values := make(map[setting]string, len(requiredSettings))
	for _, s := range requiredSettings {
		v, err := kv.Get(ctx, s.snap)
		if err != nil {
			return nil, &ConfigError{Keys: []string{s.snap}, Err: err}
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, &ConfigError{Keys: []string{s.snap}, Err: errMissing}
		}
		values[s] = v
	}
	return values, nil
}

// LoadDotEnv načte .env, pokud existuje. Chybějící soubor nevadí.
func LoadDotEnv(lookup LookupFunc, filenames ...string) error {
	if IsSnap(lookup) {
		return nil
	}
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return &ConfigError{Keys: []string{name}, Err: err}
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// envParser čte volitelné hodnoty a sbírá klíče, které nejdou naparsovat.
type envParser struct {
	lookup LookupFunc
	bad    []string
}

func (p *envParser) str(key, fallback string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (p *envParser) intRange(key string, fallback, min, max int) int {
	v := p.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		p.bad = append(p.bad, key)
		return fallback
	}
	return n
}

func (p *envParser) duration(key string, fallback time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.bad = append(p.bad, key)
		return fallback
	}
	return d
}

func (p *envParser) boolean(key string, fallback bool) bool {
	v := p.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.bad = append(p.bad, key)
		return fallback
	}
	return b
}
