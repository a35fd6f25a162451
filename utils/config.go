package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	Host         string `toml:"host"`
	Port         uint16 `toml:"port"`
	PeerCount    uint64 `toml:"peer_count"`
	ChannelCount uint64 `toml:"channel_count"`
	IBand        uint32 `toml:"iband"`
	OBand        uint32 `toml:"oband"`
	Tickrate     uint32 `toml:"tickrate"`

	// HeartbeatHz pushes an unsolicited state to every peer at this rate.
	// Zero keeps the server purely request/response.
	HeartbeatHz float64 `toml:"heartbeat_hz"`
}

type PhysicsConfig struct {
	GroundAcceleration    float64 `toml:"ground_acceleration"`
	AirStrafeAcceleration float64 `toml:"air_strafe_acceleration"`
	AirAcceleration       float64 `toml:"air_acceleration"`
	JumpForce             float64 `toml:"jump_force"`
	GroundDrag            float64 `toml:"ground_drag"`
	AirDrag               float64 `toml:"air_drag"`
	MaxGroundVelocity     float64 `toml:"max_ground_velocity"`
	MaxAirVelocity        float64 `toml:"max_air_velocity"`
	MaxAllVelocity        float64 `toml:"max_all_velocity"`
	Mass                  float64 `toml:"mass"`
	Gravity               float64 `toml:"gravity"`
	BunnyHopForgiveness   float64 `toml:"bunny_hop_forgiveness"`
	GroundFriction        float64 `toml:"ground_friction"`
}

type ErrorCorrectionConfig struct {
	ERP float64 `toml:"erp"`
	CFM float64 `toml:"cfm"`
}

type BallConfig struct {
	Radius   float64 `toml:"radius"`
	Mass     float64 `toml:"mass"`
	Damping  float64 `toml:"damping"`
	Friction float64 `toml:"friction"`
	Bounce   float64 `toml:"bounce"`
}

type ClientConfig struct {
	InterpolationFactor float64 `toml:"interpolation_factor"`

	// SendRate is the number of UserActions per second, zero follows the
	// server's tickrate.
	SendRate         float64 `toml:"send_rate"`
	PingSamples      int     `toml:"ping_samples"`
	PingSeedMs       float64 `toml:"ping_seed_ms"`
	ConnectAttempts  int     `toml:"connect_attempts"`
	ConnectTimeoutMs uint32  `toml:"connect_timeout_ms"`
	ProxyExpiryMs    int64   `toml:"proxy_expiry_ms"`
}

type ObserverConfig struct {
	Enabled bool     `toml:"enabled"`
	Address string   `toml:"address"`
	RateHz  float64  `toml:"rate_hz"`
	Origins []string `toml:"origins"`
}

type BoxConfig struct {
	Position [3]float64 `toml:"position"`
	Size     [3]float64 `toml:"size"`
}

type MapConfig struct {
	// Tiles names a text tile map file, see world.LoadMap.
	Tiles string      `toml:"tiles"`
	Boxes []BoxConfig `toml:"boxes"`
}

type Config struct {
	Server          ServerConfig          `toml:"server"`
	Physics         PhysicsConfig         `toml:"physics"`
	ErrorCorrection ErrorCorrectionConfig `toml:"error_correction"`
	Ball            BallConfig            `toml:"ball"`
	Client          ClientConfig          `toml:"client"`
	Observer        ObserverConfig        `toml:"observer"`
	Map             MapConfig             `toml:"map"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         9999,
			PeerCount:    4,
			ChannelCount: 2,
			Tickrate:     64,
		},
		Physics: PhysicsConfig{
			GroundAcceleration:    50,
			AirStrafeAcceleration: 5,
			AirAcceleration:       20,
			JumpForce:             190,
			GroundDrag:            0.85,
			AirDrag:               0.05,
			MaxGroundVelocity:     5,
			MaxAirVelocity:        5,
			MaxAllVelocity:        15,
			Mass:                  1,
			Gravity:               -5,
			BunnyHopForgiveness:   0.15,
		},
		ErrorCorrection: ErrorCorrectionConfig{
			ERP: 0.2,
			CFM: 1e-5,
		},
		Ball: BallConfig{
			Radius:   0.5,
			Mass:     1,
			Damping:  0.995,
			Friction: 0.5,
			Bounce:   0.6,
		},
		Client: ClientConfig{
			InterpolationFactor: 2,
			PingSamples:         5,
			PingSeedMs:          500,
			ConnectAttempts:     10,
			ConnectTimeoutMs:    500,
			ProxyExpiryMs:       3000,
		},
		Observer: ObserverConfig{
			Address: "localhost:4242",
			RateHz:  10,
			Origins: []string{"localhost:*", "127.0.0.1:*"},
		},
	}
}

// ReadTOML layers fileName over the defaults. Keys missing from the file keep
// their default value.
func ReadTOML(fileName string) (*Config, error) {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	return ParseTOML(file)
}

func ParseTOML(b []byte) (*Config, error) {
	config := DefaultConfig()
	if err := toml.Unmarshal(b, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig loads .env if present, then the TOML file named by
// BALLPIT_CONFIG (or fallback), then the BALLPIT_HOST and BALLPIT_PORT
// overrides. A missing TOML file is not an error.
func LoadConfig(fallback string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	fileName := fallback
	if name, err := GetEnvVariable("BALLPIT_CONFIG"); err == nil {
		fileName = name
	}

	config := DefaultConfig()
	if fileName != "" {
		c, err := ReadTOML(fileName)
		switch {
		case err == nil:
			config = c
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading %s: %w", fileName, err)
		}
	}

	if host, err := GetEnvVariable("BALLPIT_HOST"); err == nil {
		config.Server.Host = host
	}
	if port, err := GetEnvVariable("BALLPIT_PORT"); err == nil {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("BALLPIT_PORT: %w", err)
		}
		config.Server.Port = uint16(p)
	}
	return config, config.Validate()
}

func GetEnvVariable(v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("input param empty")
	}
	b := os.Getenv(v)
	if b == "" {
		return "", fmt.Errorf("failed to get variable for %s", v)
	}
	return b, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Tickrate == 0:
		return errors.New("server.tickrate must be positive")
	case c.Server.PeerCount == 0:
		return errors.New("server.peer_count must be positive")
	case c.Server.ChannelCount < 2:
		return fmt.Errorf("server.channel_count is %d, need at least 2", c.Server.ChannelCount)
	case c.Client.InterpolationFactor < 0:
		return errors.New("client.interpolation_factor must not be negative")
	case c.Ball.Radius <= 0:
		return errors.New("ball.radius must be positive")
	}
	return nil
}

// TickDuration is the length of one simulation step.
func (c *ServerConfig) TickDuration() float64 {
	return 1.0 / float64(c.Tickrate)
}
