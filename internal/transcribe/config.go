package transcribe

// Format describes the audio a stream will carry and the call it belongs to.
type Format struct {
	Encoding     string
	SampleRate   int
	RemoteNumber string
	// Speakers bounds diarization; zero means two (agent and customer).
	Speakers int
}

// StreamConfig is the one-time handshake sent before any audio.
type StreamConfig struct {
	Encoding                   string            `json:"encoding"`
	SampleRateHertz            int               `json:"sampleRateHertz"`
	LanguageCode               string            `json:"languageCode"`
	AlternativeLanguageCodes   []string          `json:"alternativeLanguageCodes"`
	EnableAutomaticPunctuation bool              `json:"enableAutomaticPunctuation"`
	InterimResults             bool              `json:"interimResults"`
	EnableSpeakerDiarization   bool              `json:"enableSpeakerDiarization"`
	DiarizationConfig          DiarizationConfig `json:"diarizationConfig"`
}

// DiarizationConfig bounds speaker separation.
type DiarizationConfig struct {
	MinSpeakerCount int `json:"minSpeakerCount"`
	MaxSpeakerCount int `json:"maxSpeakerCount"`
}

// BuildConfig derives the handshake message for a stream.
func BuildConfig(f Format) StreamConfig {
	encoding := f.Encoding
	if encoding == "" {
		encoding = "LINEAR16"
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	speakers := f.Speakers
	if speakers <= 0 {
		speakers = 2
	}
	lang, alts := LanguageFor(f.RemoteNumber)
	return StreamConfig{
		Encoding:                   encoding,
		SampleRateHertz:            rate,
		LanguageCode:               lang,
		AlternativeLanguageCodes:   alts,
		EnableAutomaticPunctuation: true,
		InterimResults:             true,
		EnableSpeakerDiarization:   true,
		DiarizationConfig: DiarizationConfig{
			MinSpeakerCount: min(2, speakers),
			MaxSpeakerCount: speakers,
		},
	}
}
