package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	ListenAddress string `json:"listen_address"`

	AgentURL         string `json:"agent_url"`
	AgentListenModel string `json:"agent_listen_model"`
	AgentThinkModel  string `json:"agent_think_model"`
	AgentVoice       string `json:"agent_voice"`
	AgentPrompt      string `json:"agent_prompt"`
	Greeting         string `json:"greeting"`

	CalendarBaseURL string `json:"calendar_base_url"`

	IdleTimeoutSeconds int     `json:"idle_timeout_seconds"`
	CloseGraceMillis   int     `json:"close_grace_millis"`
	OutboundQueue      int     `json:"outbound_queue"`
	BargeInThreshold   float64 `json:"barge_in_threshold"`
	BargeInMinFrames   int     `json:"barge_in_min_frames"`

	SoundsDir            string `json:"sounds_dir"`
	FallbackAnnouncement string `json:"fallback_announcement"`

	CaptureEnabled bool   `json:"capture_enabled"`
	CaptureDir     string `json:"capture_dir"`
	CaptureMaxKB   int    `json:"capture_max_kb"`

	// Static line directory, used when no user database is configured.
	Lines map[string]UserLine `json:"lines"`

	// Secrets come from the environment, never from the config file.
	AgentAPIKey string `json:"-"`
	PostgresDSN string `json:"-"`
}

type UserLine struct {
	UserID        int64  `json:"user_id"`
	TimeZone      string `json:"time_zone"`
	WorkDayStarts int    `json:"work_day_starts"`
	WorkDayEnds   int    `json:"work_day_ends"`
}

// LoadConfig reads configs/config.json and overlays environment secrets.
func LoadConfig() (*Config, error) {
	file, err := os.Open("./configs/config.json")
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %v", err)
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("error decoding config JSON: %v", err)
	}

	config.AgentAPIKey = os.Getenv("AGENT_API_KEY")
	config.PostgresDSN = os.Getenv("DATABASE_URL")

	if config.AgentAPIKey == "" {
		return nil, fmt.Errorf("AGENT_API_KEY not set")
	}
	if config.ListenAddress == "" {
		config.ListenAddress = ":8080"
	}
	return &config, nil
}
