package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Frame drop policies accepted by FRAME_DROP_POLICY.
const (
	DropOldest = "drop-oldest"
	DropNewest = "drop-newest"
	Block      = "block"
)

type Config struct {
	Port         int
	AuthToken    string
	LogDirectory string
	DatabasePath string

	// Detection source
	CameraMapPath       string
	Cameras             map[string]string // camera id -> video file path or stream URL
	ModelPath           string
	ModelConfigPath     string
	ConfidenceThreshold float64  // per-detection threshold deciding a positive frame
	AccidentLabels      []string // empty means any label counts
	SampleFPS           float64

	// Temporal aggregation
	ConfirmationThreshold int           // K consecutive positive frames
	CooldownFrames        int           // 0 disables the frame bound
	MaxEpisodeDuration    time.Duration // 0 disables the duration bound

	// Event bus and delivery
	BusWorkers              int
	MaxSubscriptions        int
	SubscriberQueueCapacity int
	FrameDropPolicy         string
	BlockTimeout            time.Duration
	ViewerSendTimeout       time.Duration
	HeartbeatInterval       time.Duration
	SessionIdleTimeout      time.Duration

	// Storage path
	StorageQueueCapacity int
	StorageMaxRetries    int
	StorageRetryBackoff  time.Duration
	DeadLetterPath       string

	// Optional MQTT notification sink; disabled when MQTTBroker is empty
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	MQTTQoS      int
}

// Load reads an optional .env file and then the process environment.
// The camera map is read from the YAML file named by CAMERA_MAP when present.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	logDir := getEnv("LOG_DIR", filepath.Join(".", "logs"))

	cfg := &Config{
		Port:         getEnvAsInt("PORT", 8080),
		AuthToken:    getEnv("AUTH_TOKEN", ""),
		LogDirectory: logDir,
		DatabasePath: getEnv("DB_PATH", filepath.Join(".", "data", "accidents.db")),

		CameraMapPath:       getEnv("CAMERA_MAP", "cameras.yaml"),
		ModelPath:           getEnv("MODEL_PATH", filepath.Join(".", "models", "accident.onnx")),
		ModelConfigPath:     getEnv("MODEL_CONFIG_PATH", ""),
		ConfidenceThreshold: getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.65),
		AccidentLabels:      getEnvAsList("ACCIDENT_LABELS"),
		SampleFPS:           getEnvAsFloat("SAMPLE_FPS", 15),

		ConfirmationThreshold: getEnvAsInt("CONFIRMATION_THRESHOLD", 4),
		CooldownFrames:        getEnvAsInt("COOLDOWN_FRAMES", 0),
		MaxEpisodeDuration:    getEnvAsDuration("MAX_EPISODE_DURATION", 30*time.Second),

		BusWorkers:              getEnvAsInt("BUS_WORKERS", 4),
		MaxSubscriptions:        getEnvAsInt("MAX_SUBSCRIPTIONS", 1024),
		SubscriberQueueCapacity: getEnvAsInt("SUBSCRIBER_QUEUE_CAPACITY", 64),
		FrameDropPolicy:         getEnv("FRAME_DROP_POLICY", DropOldest),
		BlockTimeout:            getEnvAsDuration("BLOCK_TIMEOUT", 200*time.Millisecond),
		ViewerSendTimeout:       getEnvAsDuration("VIEWER_SEND_TIMEOUT", 500*time.Millisecond),
		HeartbeatInterval:       getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		SessionIdleTimeout:      getEnvAsDuration("SESSION_IDLE_TIMEOUT", 2*time.Minute),

		StorageQueueCapacity: getEnvAsInt("STORAGE_QUEUE_CAPACITY", 128),
		StorageMaxRetries:    getEnvAsInt("STORAGE_MAX_RETRIES", 5),
		StorageRetryBackoff:  getEnvAsDuration("STORAGE_RETRY_BACKOFF", 500*time.Millisecond),
		DeadLetterPath:       getEnv("DEAD_LETTER_PATH", filepath.Join(logDir, "dead_letter.jsonl")),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "trafficwatch"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "trafficwatch/accidents"),
		MQTTQoS:      getEnvAsInt("MQTT_QOS", 1),
	}

	cameras, err := LoadCameraMap(cfg.CameraMapPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg.Cameras = cameras

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ConfirmationThreshold < 1 {
		return fmt.Errorf("CONFIRMATION_THRESHOLD must be >= 1, got %d", c.ConfirmationThreshold)
	}
	if c.CooldownFrames < 0 {
		return fmt.Errorf("COOLDOWN_FRAMES must be >= 0, got %d", c.CooldownFrames)
	}
	if c.SubscriberQueueCapacity < 1 {
		return fmt.Errorf("SUBSCRIBER_QUEUE_CAPACITY must be >= 1, got %d", c.SubscriberQueueCapacity)
	}
	if c.BusWorkers < 1 {
		return fmt.Errorf("BUS_WORKERS must be >= 1, got %d", c.BusWorkers)
	}
	if c.StorageQueueCapacity < 1 {
		return fmt.Errorf("STORAGE_QUEUE_CAPACITY must be >= 1, got %d", c.StorageQueueCapacity)
	}
	switch c.FrameDropPolicy {
	case DropOldest, DropNewest, Block:
	default:
		return fmt.Errorf("unknown FRAME_DROP_POLICY %q", c.FrameDropPolicy)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	return nil
}

// cameraMapFile is the on-disk layout of the camera map:
//
//	cameras:
//	  cam-1: /videos/junction.mp4
//	  cam-2: rtsp://10.0.0.12/stream
type cameraMapFile struct {
	Cameras map[string]string `yaml:"cameras"`
}

// LoadCameraMap reads camera id to source mappings from a YAML file.
func LoadCameraMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}, err
	}

	var f cameraMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse camera map %s: %w", path, err)
	}
	if f.Cameras == nil {
		f.Cameras = map[string]string{}
	}
	return f.Cameras, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
