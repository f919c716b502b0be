package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TasksTopic     string // NSQ topic for conversation tasks
	DLQTopic       string // Dead letter queue topic
	WorkerChannel  string // NSQ channel name for workers
}

type Worker struct {
	Concurrency    int           // Number of concurrent handlers per process
	MaxInFlight    int           // NSQ max in-flight messages
	MaxAttempts    int           // Maximum processing attempts per envelope
	BaseDelay      time.Duration // Backoff base delay (doubled per attempt)
	MaxDelay       time.Duration // Backoff cap
	JitterPercent  float64       // Backoff jitter percentage (0.0-1.0)
	RateLimitFloor time.Duration // Minimum delay after an upstream rate limit
	StoreRetries   int           // Reload-and-retry budget on store version conflicts
	MaxTaskAge     time.Duration // Envelopes older than this are dead-lettered unprocessed
	MsgTimeout     time.Duration // Broker visibility timeout for unacked messages
	DedupTTL       time.Duration // How long processed task ids are remembered
	HTTPPort       string        // Worker HTTP metrics port
}

type Model struct {
	BaseURL  string        // Model service base URL
	APIKey   string        // Bearer token for the model service
	Name     string        // Model identifier sent with each request
	Deadline time.Duration // Hard deadline per completion call
}

type Store struct {
	Timeout time.Duration // Hard deadline per store call
}

type Redis struct {
	Addr string // host:port; empty disables the Redis dedup set
	DB   int
}

type Dispatcher struct {
	HTTPPort        string // Dispatcher API listen port
	MaxPayloadBytes int    // Reject inbound events larger than this
	JWTPublicKey    string // PEM-encoded RSA public key; empty disables auth
	JWTIssuer       string
	JWTAudience     string
}

type Result struct {
	Secret          string        // HMAC secret for signing reply callbacks
	Timeout         time.Duration // HTTP timeout for reply delivery
	SignatureHeader string
	TimestampHeader string
}

type FakeModel struct {
	Port            string // Server listen port
	FailFirstN      int    // Number of requests to 500 initially
	RateLimitFirstN int    // Number of requests to 429 initially
	ResponseDelayMS int    // Simulated response delay in milliseconds
	ReplyText       string // Canned completion text
}

type Config struct {
	AppName    string
	DB         DB
	NSQ        NSQ
	Worker     Worker
	Model      Model
	Store      Store
	Redis      Redis
	Dispatcher Dispatcher
	Result     Result
	FakeModel  FakeModel
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "chatpipe"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "chatpipe"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TasksTopic:     getenv("NSQ_TASKS_TOPIC", "conversation_tasks"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "conversation_tasks_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Worker: Worker{
			Concurrency:    getenvInt("WORKER_CONCURRENCY", 8),
			MaxInFlight:    getenvInt("WORKER_MAX_IN_FLIGHT", 64),
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 5),
			BaseDelay:      getenvDuration("BACKOFF_BASE_DELAY", 2*time.Second),
			MaxDelay:       getenvDuration("BACKOFF_MAX_DELAY", 5*time.Minute),
			JitterPercent:  getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			RateLimitFloor: getenvDuration("RATE_LIMIT_FLOOR", 15*time.Second),
			StoreRetries:   getenvInt("STORE_CONFLICT_RETRIES", 4),
			MaxTaskAge:     getenvDuration("MAX_TASK_AGE", 30*time.Minute),
			MsgTimeout:     getenvDuration("NSQ_MSG_TIMEOUT", 2*time.Minute),
			DedupTTL:       getenvDuration("DEDUP_TTL", 10*time.Minute),
			HTTPPort:       ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Model: Model{
			BaseURL:  getenv("MODEL_BASE_URL", "http://fake-model:8086"),
			APIKey:   getenv("MODEL_API_KEY", ""),
			Name:     getenv("MODEL_NAME", "gpt-4o-mini"),
			Deadline: getenvDuration("MODEL_DEADLINE", 45*time.Second),
		},
		Store: Store{
			Timeout: getenvDuration("STORE_TIMEOUT", 3*time.Second),
		},
		Redis: Redis{
			Addr: getenv("REDIS_ADDR", ""),
			DB:   getenvInt("REDIS_DB", 0),
		},
		Dispatcher: Dispatcher{
			HTTPPort:        ":" + getenv("DISPATCHER_HTTP_PORT", "8080"),
			MaxPayloadBytes: getenvInt("MAX_PAYLOAD_BYTES", 32*1024),
			JWTPublicKey:    getenv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:       getenv("JWT_ISSUER", "chatpipe"),
			JWTAudience:     getenv("JWT_AUDIENCE", "chatpipe-api"),
		},
		Result: Result{
			Secret:          getenv("RESULT_SIGNING_SECRET", ""),
			Timeout:         getenvDuration("RESULT_TIMEOUT", 10*time.Second),
			SignatureHeader: getenv("RESULT_SIGNATURE_HEADER", "X-Chatpipe-Signature"),
			TimestampHeader: getenv("RESULT_TIMESTAMP_HEADER", "X-Chatpipe-Timestamp"),
		},
		FakeModel: FakeModel{
			Port:            getenv("FAKE_MODEL_PORT", ":8086"),
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			RateLimitFirstN: getenvInt("RATE_LIMIT_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			ReplyText:       getenv("FAKE_MODEL_REPLY", "hello"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
