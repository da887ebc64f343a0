// Package config loads the hierarchical remdis configuration document
// once at startup and hands out one immutable snapshot. It layers a
// YAML document, environment/flag overrides via viper, and a local
// .env for secrets, layering .env over os.Getenv the same way a small
// config loader always has, generalized to a full document.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ASR holds the ASR Adapter's tunables.
type ASR struct {
	SampleRate            int           `mapstructure:"sample_rate"`
	SilenceThreshold      time.Duration `mapstructure:"silence_threshold"`
	ContinuationExtension time.Duration `mapstructure:"continuation_extension"`
	StabilizationGrace    time.Duration `mapstructure:"stabilization_grace"`
}

// VAP holds the Audio-VAP adapter's tunables.
type VAP struct {
	FrameMS           int     `mapstructure:"frame_ms"`
	VoteWindow        int     `mapstructure:"vote_window"`
	EnergyThreshold   float64 `mapstructure:"energy_threshold"`
}

// Dialogue holds the Dialogue Controller's tunables.
type Dialogue struct {
	Threshold               float64       `mapstructure:"threshold"`
	HistoryLength           int           `mapstructure:"history_length"`
	MaxMessageNumInContext  int           `mapstructure:"max_message_num_in_context"`
	ResponseGenerationTimeout time.Duration `mapstructure:"response_generation_timeout"`
	MaxSilenceTime          time.Duration `mapstructure:"max_silence_time"`
	MaxTimeoutNum           int           `mapstructure:"max_timeout_num"`
	BlockTime               time.Duration `mapstructure:"block_time"`
	SplitPattern            string        `mapstructure:"split_pattern"`
	Backchannels            []string      `mapstructure:"backchannels"`
	MaxVerbalBackchannelNum int           `mapstructure:"max_verbal_backchannel_num"`
}

// ChatGPT holds the LLM Streaming Adapter's tunables. The field name
// is kept for continuity with the prompt-template glossary terms even
// though the concrete backend here is Cerebras.
type ChatGPT struct {
	Model             string        `mapstructure:"model"`
	SystemPrompt      string        `mapstructure:"system_prompt"`
	FirstTokenTimeout time.Duration `mapstructure:"first_token_timeout"`
}

// TextVAP holds the Text-VAP Adapter's tunables.
type TextVAP struct {
	IntervalMS   int    `mapstructure:"interval_ms"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// Intention holds the Timeout/Intention module's tunables. The
// silence/timeout-count/cooldown knobs it actually needs live on
// Dialogue instead (config.Dialogue.MaxSilenceTime/MaxTimeoutNum/
// BlockTime) — spec.md's Configuration section lists them under
// Intention, but the Dialogue Controller already owns the equivalent
// YAML keys, so cmd/remdis wires the same Dialogue fields into both.
type Intention struct {
	PromptTemplate string `mapstructure:"prompt_template"`
}

// TTS holds the TTS Adapter's backend selection. Model/VoiceID are
// interpreted according to whichever of Secrets.DeepgramKey or
// Secrets.ElevenLabsKey is set — spec.md treats TTS as an external
// collaborator with no configuration surface of its own, so this is
// the minimum this repo needs to pick and drive a concrete backend.
type TTS struct {
	Model   string `mapstructure:"model"`
	VoiceID string `mapstructure:"voice_id"`
}

// HTTPServer holds the web/WebRTC signaling listener's address.
type HTTPServer struct {
	Address string `mapstructure:"address"`
}

// Bus holds the pub/sub transport's tunables.
type Bus struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// Secrets holds API keys loaded from the environment/.env, kept
// separate from the YAML document so they never round-trip through
// `config check`'s printed form.
type Secrets struct {
	AssemblyAIKey  string
	CerebrasKey    string
	DeepgramKey    string
	ElevenLabsKey  string
	TwilioAccount  string
	TwilioAuth     string
	SupabaseURL    string
	SupabaseKey    string
}

// Config is the immutable snapshot every module receives at
// construction. Nothing holds a pointer to process-wide mutable state;
// a reload produces a new Config rather than mutating this one.
type Config struct {
	Bus        Bus
	ASR        ASR
	VAP        VAP
	Dialogue   Dialogue
	ChatGPT    ChatGPT
	TextVAP    TextVAP `mapstructure:"text_vap"`
	Intention  Intention
	TTS        TTS
	HTTPServer HTTPServer `mapstructure:"http_server"`
	Secrets    Secrets    `yaml:"-"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("bus.buffer_size", 10)
	v.SetDefault("asr.sample_rate", 16000)
	v.SetDefault("asr.silence_threshold", "700ms")
	v.SetDefault("asr.continuation_extension", "1200ms")
	v.SetDefault("asr.stabilization_grace", "250ms")

	v.SetDefault("vap.frame_ms", 10)
	v.SetDefault("vap.vote_window", 5)
	v.SetDefault("vap.energy_threshold", 0.02)

	v.SetDefault("dialogue.threshold", 0.8)
	v.SetDefault("dialogue.history_length", 10)
	v.SetDefault("dialogue.max_message_num_in_context", 20)
	v.SetDefault("dialogue.response_generation_timeout", "8s")
	v.SetDefault("dialogue.max_silence_time", "4s")
	v.SetDefault("dialogue.max_timeout_num", 3)
	v.SetDefault("dialogue.block_time", "30s")
	v.SetDefault("dialogue.split_pattern", `[,.?!]`)
	v.SetDefault("dialogue.backchannels", []string{"Mm-hmm.", "I see.", "Okay."})
	v.SetDefault("dialogue.max_verbal_backchannel_num", 2)

	v.SetDefault("chatgpt.model", "gpt-oss-120b")
	v.SetDefault("chatgpt.first_token_timeout", "3s")

	v.SetDefault("text_vap.interval_ms", 500)
	v.SetDefault("text_vap.model", "gpt-oss-120b")
	v.SetDefault("text_vap.system_prompt", "You are a silent listener judging a partial user utterance. Reply only with a structured backchannel reaction.")

	v.SetDefault("tts.model", "aura-asteria-en")
	v.SetDefault("tts.voice_id", "21m00Tcm4TlvDq8ikWAM")

	v.SetDefault("http_server.address", ":8080")
}

// Load reads path (if present), layers environment variable overrides
// prefixed REMDIS_ (e.g. REMDIS_DIALOGUE_HISTORY_LENGTH), loads a local
// .env for API keys, and returns one immutable Config.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("REMDIS")
	v.SetEnvKeyReplacer(envReplacer())
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config.Load: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config.Load: unmarshal: %w", err)
	}

	cfg.Secrets = Secrets{
		AssemblyAIKey: os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:   os.Getenv("CEREBRAS_API_KEY"),
		DeepgramKey:   os.Getenv("DEEPGRAM_API_KEY"),
		ElevenLabsKey: os.Getenv("ELEVENLABS_API_KEY"),
		TwilioAccount: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuth:    os.Getenv("TWILIO_AUTH_TOKEN"),
		SupabaseURL:   os.Getenv("SUPABASE_URL"),
		SupabaseKey:   os.Getenv("SUPABASE_KEY"),
	}

	return cfg, Validate(cfg)
}

// Validate checks the invariants config check exercises without
// starting any module.
func Validate(cfg Config) error {
	if cfg.Dialogue.Threshold < 0 || cfg.Dialogue.Threshold > 1 {
		return fmt.Errorf("config: dialogue.threshold must be in [0,1], got %v", cfg.Dialogue.Threshold)
	}
	if cfg.Dialogue.MaxMessageNumInContext <= 0 {
		return fmt.Errorf("config: dialogue.max_message_num_in_context must be positive")
	}
	if cfg.HTTPServer.Address == "" {
		return fmt.Errorf("config: http_server.address must not be empty")
	}
	return nil
}
