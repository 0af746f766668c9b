package stt

import "github.com/MrWong99/glyphoxa/pkg/types"

// Transcript, WordDetail, and KeywordBoost are aliases onto the shared
// pkg/types definitions used by [Provider]/[SessionHandle] so that callers
// working exclusively within the stt package (transcript correction,
// fallback wrappers, tests) don't need to import pkg/types directly.
type (
	Transcript  = types.Transcript
	WordDetail  = types.WordDetail
	KeywordBoost = types.KeywordBoost
)
