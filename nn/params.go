package nn

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Param is the serialized form of a single parameter matrix.
type Param struct {
	Rows int
	Cols int
	Data []float64
}

// State is a flat name -> parameter mapping, the unit of checkpoint
// save/load.
type State map[string]Param

// ParamStore is a registry of named parameter matrices. Layers register
// their weights under dotted names ("blocks.0.attn.qkv.weight"); the store
// can then snapshot them to a State or load a State back in, tolerating
// missing and unexpected keys.
//
// Vector parameters (biases, norm gains, learned tokens) are registered as
// 1xN matrices whose backing slice is shared with the layer, so a load
// updates the layer in place.
type ParamStore struct {
	params map[string]*mat.Dense
	order  []string
}

// NewParamStore creates an empty store.
func NewParamStore() *ParamStore {
	return &ParamStore{params: make(map[string]*mat.Dense)}
}

// Register adds a named parameter. Re-registering a name overwrites the
// previous entry (the name ordering is preserved from first registration).
func (ps *ParamStore) Register(name string, m *mat.Dense) {
	if _, exists := ps.params[name]; !exists {
		ps.order = append(ps.order, name)
	}
	ps.params[name] = m
}

// Names returns the registered parameter names in registration order.
func (ps *ParamStore) Names() []string {
	out := make([]string, len(ps.order))
	copy(out, ps.order)
	return out
}

// Get returns the named parameter matrix, or nil if not registered.
func (ps *ParamStore) Get(name string) *mat.Dense {
	return ps.params[name]
}

// NumParams returns the total number of scalar parameters in the store.
func (ps *ParamStore) NumParams() int {
	total := 0
	for _, m := range ps.params {
		r, c := m.Dims()
		total += r * c
	}
	return total
}

// State snapshots every registered parameter into a freshly allocated State.
func (ps *ParamStore) State() State {
	out := make(State, len(ps.params))
	for name, m := range ps.params {
		r, c := m.Dims()
		data := make([]float64, r*c)
		idx := 0
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				data[idx] = m.At(i, j)
				idx++
			}
		}
		out[name] = Param{Rows: r, Cols: c, Data: data}
	}
	return out
}

// LoadReport describes the outcome of a best-effort state load.
type LoadReport struct {
	// Missing lists registered parameters that the state did not provide.
	Missing []string
	// Unexpected lists state keys that matched no registered parameter.
	Unexpected []string
	// ShapeMismatch lists keys whose shapes disagreed; those parameters
	// keep their previous values.
	ShapeMismatch []string
	// Loaded counts parameters that were actually written.
	Loaded int
}

// recognizedPrefixes are stripped from incoming state keys before matching,
// so a pretraining snapshot loads into a model that only contains the shared
// sub-modules.
var recognizedPrefixes = []string{"module.", "base_model.", "MAE_encoder."}

// LoadState copies matching parameters from state into the registered
// matrices. Keys are matched after stripping recognized prefixes. The load
// never fails because of unmatched keys or shape mismatches; those are
// reported (and logged) instead.
func (ps *ParamStore) LoadState(state State) *LoadReport {
	report := &LoadReport{}
	written := make(map[string]bool, len(ps.params))

	for key, param := range state {
		// Exact names win; prefix stripping only applies when a key from
		// a differently rooted checkpoint has no direct match.
		name := key
		m, ok := ps.params[name]
		if !ok {
			name = StripPrefixes(key)
			m, ok = ps.params[name]
		}
		if !ok {
			report.Unexpected = append(report.Unexpected, key)
			continue
		}
		r, c := m.Dims()
		if r != param.Rows || c != param.Cols || len(param.Data) != param.Rows*param.Cols {
			report.ShapeMismatch = append(report.ShapeMismatch, key)
			continue
		}
		idx := 0
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				m.Set(i, j, param.Data[idx])
				idx++
			}
		}
		written[name] = true
		report.Loaded++
	}

	for _, name := range ps.order {
		if !written[name] {
			report.Missing = append(report.Missing, name)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)
	sort.Strings(report.ShapeMismatch)

	if len(report.Missing) > 0 {
		log.Printf("checkpoint load: %d missing parameters (e.g. %s)", len(report.Missing), report.Missing[0])
	}
	if len(report.Unexpected) > 0 {
		log.Printf("checkpoint load: %d unexpected parameters (e.g. %s)", len(report.Unexpected), report.Unexpected[0])
	}
	if len(report.ShapeMismatch) > 0 {
		log.Printf("checkpoint load: %d shape mismatches (e.g. %s)", len(report.ShapeMismatch), report.ShapeMismatch[0])
	}
	return report
}

// StripPrefixes removes any recognized checkpoint prefixes from a parameter
// key, repeatedly, so nested prefixes ("module.MAE_encoder.") also resolve.
func StripPrefixes(key string) string {
	for {
		stripped := false
		for _, p := range recognizedPrefixes {
			if strings.HasPrefix(key, p) {
				key = key[len(p):]
				stripped = true
			}
		}
		if !stripped {
			return key
		}
	}
}

// SaveState writes a State to path using gob encoding.
func SaveState(path string, state State) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// LoadStateFile reads a gob-encoded State from path.
func LoadStateFile(path string) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer f.Close()
	var state State
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return state, nil
}
