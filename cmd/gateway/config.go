package main

import (
	"os"
	"strconv"
	"time"

	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/prompts"
	"github.com/hubenschmidt/callassist/internal/utterance"
)

type config struct {
	port               string
	publicURL          string
	transcribeURL      string
	transcribeToken    string
	transcribeRetry    string
	segmenter          audio.SegmenterConfig
	debounce           time.Duration
	advisorURL         string
	advisorEngine      string
	advisorTimeout     time.Duration
	advisorPoolSize    int
	openaiAPIKey       string
	openaiBaseURL      string
	advisorModel       string
	advisorPrompt      string
	advisorMaxTokens   int
	databaseURL        string
	redisURL           string
	twilioAccountSID   string
	twilioAuthToken    string
	inboundAgentID     string
	maxConcurrentCalls int
	maxViewers         int
	callRetention      time.Duration
	persistTimeout     time.Duration
}

func loadConfig() config {
	seg := audio.DefaultSegmenterConfig()
	seg.Threshold = envFloat("VAD_THRESHOLD", seg.Threshold)
	seg.SilenceTimeout = envDuration("VAD_SILENCE_TIMEOUT", seg.SilenceTimeout)
	seg.AnalysisInterval = envDuration("VAD_ANALYSIS_INTERVAL", seg.AnalysisInterval)

	return config{
		port:               envStr("GATEWAY_PORT", "8000"),
		publicURL:          envStr("PUBLIC_URL", ""),
		transcribeURL:      envStr("TRANSCRIBE_URL", "ws://localhost:8080/stream"),
		transcribeToken:    envStr("TRANSCRIBE_TOKEN", ""),
		transcribeRetry:    envStr("TRANSCRIBE_RECONNECT", "none"),
		segmenter:          seg,
		debounce:           envDuration("DEBOUNCE", utterance.DefaultDebounce),
		advisorURL:         envStr("ADVISOR_URL", ""),
		advisorEngine:      envStr("ADVISOR_ENGINE", "http"),
		advisorTimeout:     envDuration("ADVISOR_TIMEOUT", 15*time.Second),
		advisorPoolSize:    envInt("ADVISOR_POOL_SIZE", 50),
		openaiAPIKey:       envStr("OPENAI_API_KEY", ""),
		openaiBaseURL:      envStr("OPENAI_BASE_URL", ""),
		advisorModel:       envStr("ADVISOR_MODEL", "gpt-4o-mini"),
		advisorPrompt:      envStr("ADVISOR_SYSTEM_PROMPT", prompts.DefaultAdvisor),
		advisorMaxTokens:   envInt("ADVISOR_MAX_TOKENS", 150),
		databaseURL:        envStr("DATABASE_URL", ""),
		redisURL:           envStr("REDIS_URL", ""),
		twilioAccountSID:   envStr("TWILIO_ACCOUNT_SID", ""),
		twilioAuthToken:    envStr("TWILIO_AUTH_TOKEN", ""),
		inboundAgentID:     envStr("INBOUND_AGENT_ID", ""),
		maxConcurrentCalls: envInt("MAX_CONCURRENT_CALLS", 100),
		maxViewers:         envInt("MAX_VIEWERS", 200),
		callRetention:      envDuration("CALL_RETENTION", 10*time.Minute),
		persistTimeout:     envDuration("PERSIST_TIMEOUT", 30*time.Second),
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
