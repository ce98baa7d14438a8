package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	User    UserConfig    `mapstructure:"user"`
	Signal  SignalConfig  `mapstructure:"signal"`
	Peer    PeerConfig    `mapstructure:"peer"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Call    CallConfig    `mapstructure:"call"`
	Media   MediaConfig   `mapstructure:"media"`
	Control ControlConfig `mapstructure:"control"`
}

type UserConfig struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Level    string `mapstructure:"level"`
	Language string `mapstructure:"language"`
}

type SignalConfig struct {
	URL            string        `mapstructure:"url"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type PeerConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	Key               string        `mapstructure:"key"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type QueueConfig struct {
	RejoinAckTimeout time.Duration `mapstructure:"rejoin_ack_timeout"`
}

type CallConfig struct {
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

type MediaConfig struct {
	EchoCancellation bool    `mapstructure:"echo_cancellation"`
	NoiseSuppression bool    `mapstructure:"noise_suppression"`
	SampleRate       int     `mapstructure:"sample_rate"`
	ChannelCount     int     `mapstructure:"channel_count"`
	MaxWidth         int     `mapstructure:"max_width"`
	MaxHeight        int     `mapstructure:"max_height"`
	FrameRate        float64 `mapstructure:"frame_rate"`
	Enhance          bool    `mapstructure:"enhance"`
	GateThreshold    float64 `mapstructure:"gate_threshold"`
	GateHold         int     `mapstructure:"gate_hold"`
	HighPassCutoff   float64 `mapstructure:"high_pass_cutoff"`
	AudioBitRate     int     `mapstructure:"audio_bitrate"`
	VideoBitRate     int     `mapstructure:"video_bitrate"`
}

type ControlConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	// Browser origins besides the daemon's own page allowed to use the API.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "peercall-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("user.id", "")
	v.SetDefault("user.name", "guest")
	v.SetDefault("user.level", "")
	v.SetDefault("user.language", "")

	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/random")
	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.reconnect_delay", "2s")

	v.SetDefault("peer.broker_url", "ws://localhost:9000/peerjs")
	v.SetDefault("peer.key", "peerjs")
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.open_timeout", "10s")
	v.SetDefault("peer.heartbeat_interval", "5s")

	v.SetDefault("queue.rejoin_ack_timeout", "1s")

	v.SetDefault("call.ready_timeout", "10s")
	v.SetDefault("call.settle_delay", "500ms")

	v.SetDefault("media.echo_cancellation", true)
	v.SetDefault("media.noise_suppression", true)
	v.SetDefault("media.sample_rate", 48000)
	v.SetDefault("media.channel_count", 1)
	v.SetDefault("media.max_width", 1280)
	v.SetDefault("media.max_height", 720)
	v.SetDefault("media.frame_rate", 30)
	v.SetDefault("media.enhance", true)
	v.SetDefault("media.gate_threshold", 0.01)
	v.SetDefault("media.gate_hold", 10)
	v.SetDefault("media.high_pass_cutoff", 80)
	v.SetDefault("media.audio_bitrate", 32000)
	v.SetDefault("media.video_bitrate", 1000000)

	v.SetDefault("control.rate_limit", 20)
	v.SetDefault("control.rate_interval", "10s")
	v.SetDefault("control.allowed_origins", []string{})
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Str("module", "config").Err(err).Msg("no .env file")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PEERCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.User.ID == "" {
		return nil, fmt.Errorf("user.id is required (set PEERCALL_USER_ID)")
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("signal", cfg.Signal.URL).
		Str("broker", cfg.Peer.BrokerURL).
		Msg("config ready")
	return &cfg, nil
}
