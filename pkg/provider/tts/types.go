package tts

import "github.com/MrWong99/glyphoxa/pkg/types"

// VoiceProfile is an alias onto the shared pkg/types definition so that
// callers working exclusively within the tts package (provider
// implementations, fallback wrappers, tests) don't need to import pkg/types
// directly.
type VoiceProfile = types.VoiceProfile
