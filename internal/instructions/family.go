// Package instructions keeps the Codex system instructions for each model
// family fresh, fetching them from the Codex release on GitHub.
package instructions

import "strings"

// Family groups Codex models that share one instruction prompt.
type Family string

const (
	FamilyGPT52Codex Family = "gpt-5.2-codex"
	FamilyCodexMax   Family = "codex-max"
	FamilyCodex      Family = "codex"
	FamilyGPT52      Family = "gpt-5.2"
	FamilyGPT51      Family = "gpt-5.1"
)

// Families lists every family, most specific first.
var Families = []Family{FamilyGPT52Codex, FamilyCodexMax, FamilyCodex, FamilyGPT52, FamilyGPT51}

// FamilyFor maps a model name onto its family. More specific names are
// checked first; anything unknown is gpt-5.1.
func FamilyFor(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-5.2-codex") || strings.Contains(m, "gpt 5.2 codex"):
		return FamilyGPT52Codex
	case strings.Contains(m, "codex-max") || strings.Contains(m, "codex max"):
		return FamilyCodexMax
	case strings.Contains(m, "codex"):
		return FamilyCodex
	case strings.Contains(m, "gpt-5.2") || strings.Contains(m, "gpt 5.2"):
		return FamilyGPT52
	default:
		return FamilyGPT51
	}
}

// PromptFile is the file name under codex-rs/core in the Codex repository.
func (f Family) PromptFile() string {
	switch f {
	case FamilyGPT52Codex:
		return "gpt-5.2-codex_prompt.md"
	case FamilyCodexMax:
		return "gpt-5.1-codex-max_prompt.md"
	case FamilyCodex:
		return "gpt_5_codex_prompt.md"
	case FamilyGPT52:
		return "gpt_5_2_prompt.md"
	default:
		return "gpt_5_1_prompt.md"
	}
}

func (f Family) cacheFile() string { return string(f) + "-instructions.md" }
func (f Family) metaFile() string  { return string(f) + "-instructions-meta.json" }
