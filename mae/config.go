package mae

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the pretraining model hyperparameters. Zero values are
// replaced with defaults in NewPCPMAE, so a partial JSON file (or an empty
// Config) yields a working model.
type Config struct {
	// MaskRatio is the fraction of groups hidden from the encoder. The
	// masked-group count is int(MaskRatio * NumGroup), truncating.
	MaskRatio float64 `json:"mask_ratio"`
	// MaskType selects the masking policy: "rand" or "block".
	MaskType string `json:"mask_type"`

	TransDim    int `json:"trans_dim"`
	Depth       int `json:"depth"`
	NumHeads    int `json:"num_heads"`
	EncoderDims int `json:"encoder_dims"`

	DecoderDepth    int `json:"decoder_depth"`
	DecoderNumHeads int `json:"decoder_num_heads"`

	GroupSize int `json:"group_size"`
	NumGroup  int `json:"num_group"`

	// Loss selects the chamfer variant for reconstruction: "cdl1" or
	// "cdl2". Unknown names are rejected at construction.
	Loss string `json:"loss"`
	// Ita scales the cross-modal alignment loss.
	Ita float64 `json:"ita"`

	// PredPosTransformerLayer, when nonzero, inserts a small decoder stack
	// over the masked tokens before the alignment projection.
	PredPosTransformerLayer int `json:"pred_pos_transformer_layer"`
	// AddDetach is kept for checkpoint compatibility with configurations
	// that detached predicted positions before re-embedding; the active
	// forward path does not branch on it.
	AddDetach bool `json:"add_detach"`
	// CrossLoss enables the third reconstruction loss through the cross
	// decoder. Off by default.
	CrossLoss bool `json:"cross_loss"`

	// VisualEncoder names the frozen 2D backbone configuration.
	VisualEncoder string `json:"visual_encoder"`
	// ImageSize is the projection resolution fed to the 2D encoder.
	ImageSize int `json:"image_size"`

	// Seed drives all model randomness (init, masking, grouping). Zero
	// seeds from the clock.
	Seed int64 `json:"seed"`
}

// withDefaults returns cfg with zero values replaced by the standard
// pretraining configuration.
func (cfg Config) withDefaults() Config {
	if cfg.MaskRatio == 0 {
		cfg.MaskRatio = 0.6
	}
	if cfg.MaskType == "" {
		cfg.MaskType = MaskTypeRand
	}
	if cfg.TransDim == 0 {
		cfg.TransDim = 384
	}
	if cfg.Depth == 0 {
		cfg.Depth = 12
	}
	if cfg.NumHeads == 0 {
		cfg.NumHeads = 6
	}
	if cfg.EncoderDims == 0 {
		cfg.EncoderDims = cfg.TransDim
	}
	if cfg.DecoderDepth == 0 {
		cfg.DecoderDepth = 4
	}
	if cfg.DecoderNumHeads == 0 {
		cfg.DecoderNumHeads = 6
	}
	if cfg.GroupSize == 0 {
		cfg.GroupSize = 32
	}
	if cfg.NumGroup == 0 {
		cfg.NumGroup = 64
	}
	if cfg.Loss == "" {
		cfg.Loss = "cdl2"
	}
	if cfg.Ita == 0 {
		cfg.Ita = 10
	}
	if cfg.VisualEncoder == "" {
		cfg.VisualEncoder = "ViT-B/32"
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = 224
	}
	return cfg
}

// LoadConfig reads a Config from a JSON file. Fields absent from the file
// stay zero and pick up defaults at construction.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}
