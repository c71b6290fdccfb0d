package tts

// VoiceProfile describes the voice a word is spoken with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Stability controls how consistent the delivery is (0–1, 0 = provider default).
	Stability float64

	// SimilarityBoost controls adherence to the original voice (0–1, 0 = provider default).
	SimilarityBoost float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
