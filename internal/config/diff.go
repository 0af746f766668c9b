package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	AgentsChanged     bool
	AgentChanges      []AgentDiff
	LogLevelChanged   bool
	NewLogLevel       LogLevel
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	Name               string
	SystemPromptChanged bool
	VoiceChanged       bool
	BudgetTierChanged  bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if ad := diffAgent(old.Agents.Auth, new.Agents.Auth); ad.SystemPromptChanged || ad.VoiceChanged || ad.BudgetTierChanged {
		d.AgentChanges = append(d.AgentChanges, ad)
		d.AgentsChanged = true
	}
	if ad := diffAgent(old.Agents.Intake, new.Agents.Intake); ad.SystemPromptChanged || ad.VoiceChanged || ad.BudgetTierChanged {
		d.AgentChanges = append(d.AgentChanges, ad)
		d.AgentsChanged = true
	}

	return d
}

// diffAgent compares two agent configs assumed to describe the same agent slot.
func diffAgent(old, new AgentConfig) AgentDiff {
	return AgentDiff{
		Name:                new.Name,
		SystemPromptChanged: old.SystemPrompt != new.SystemPrompt,
		VoiceChanged:        old.Voice != new.Voice,
		BudgetTierChanged:   old.BudgetTier != new.BudgetTier,
	}
}
