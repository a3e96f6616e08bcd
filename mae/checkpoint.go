package mae

import (
	"github.com/Noofbiz/pointMAE/nn"
)

// SaveCheckpoint writes every trainable parameter of the model to path as a
// gob-encoded state.
func SaveCheckpoint(path string, m *PCPMAE) error {
	return nn.SaveState(path, m.Params().State())
}

// LoadCheckpoint reads a state from path and loads it into the model,
// best-effort. Unmatched keys are reported, not fatal.
func LoadCheckpoint(path string, m *PCPMAE) (*nn.LoadReport, error) {
	state, err := nn.LoadStateFile(path)
	if err != nil {
		return nil, err
	}
	return m.Params().LoadState(state), nil
}
