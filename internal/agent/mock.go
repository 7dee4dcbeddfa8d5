package agent

import "context"

// MockRunner returns canned responses without invoking a real agent.
type MockRunner struct {
	Response string
	Err      error

	// LastWorkDir and LastPrompt record the most recent call for assertions.
	LastWorkDir string
	LastPrompt  string
}

// Run implements Runner.
func (m *MockRunner) Run(ctx context.Context, workDir, systemPrompt, userPrompt string) (string, error) {
	m.LastWorkDir = workDir
	m.LastPrompt = systemPrompt + "\n\n" + userPrompt
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}
