// Package config loads reconstruction tuning from JSON or TOML files.
//
// Every field is a pointer so a partial file only overrides what it names;
// the Get* accessors supply the defaults for everything else.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/contour"
	"github.com/banshee-data/surfacestitch/internal/surface/filter"
	"github.com/banshee-data/surfacestitch/internal/surface/pipeline"
	"github.com/banshee-data/surfacestitch/internal/surface/stitch"
)

// DefaultConfigPath is the checked-in copy of the default tuning.
const DefaultConfigPath = "config/reconstruction.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ReconstructionConfig is the root configuration of a reconstruction run.
type ReconstructionConfig struct {
	// Cloud cleaning
	LeafSize        *float64 `json:"leaf_size,omitempty" toml:"leaf_size,omitempty"`
	ViewingAxisLeaf *float64 `json:"viewing_axis_leaf,omitempty" toml:"viewing_axis_leaf,omitempty"`
	OutlierRadius   *float64 `json:"outlier_radius,omitempty" toml:"outlier_radius,omitempty"`
	MinNeighbors    *int     `json:"min_neighbors,omitempty" toml:"min_neighbors,omitempty"`
	MeanK           *int     `json:"mean_k,omitempty" toml:"mean_k,omitempty"`
	StddevMul       *float64 `json:"stddev_mul,omitempty" toml:"stddev_mul,omitempty"`

	// Boundary extraction
	ContourLeafFactor *float64 `json:"contour_leaf_factor,omitempty" toml:"contour_leaf_factor,omitempty"`
	ContourAlpha      *float64 `json:"contour_alpha,omitempty" toml:"contour_alpha,omitempty"`

	// Merge
	MaxMatches *int `json:"max_matches,omitempty" toml:"max_matches,omitempty"`

	// Run
	Prefetch         *int    `json:"prefetch,omitempty" toml:"prefetch,omitempty"`
	LockPollInterval *string `json:"lock_poll_interval,omitempty" toml:"lock_poll_interval,omitempty"` // duration string like "100ms"
	OutputEncoding   *string `json:"output_encoding,omitempty" toml:"output_encoding,omitempty"`       // "binary" or "ascii"

	// Run summary outputs, all optional
	LedgerPath  *string `json:"ledger_path,omitempty" toml:"ledger_path,omitempty"`
	PreviewPath *string `json:"preview_path,omitempty" toml:"preview_path,omitempty"`
	ReportPath  *string `json:"report_path,omitempty" toml:"report_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyReconstructionConfig returns a config with every field unset.
func EmptyReconstructionConfig() *ReconstructionConfig {
	return &ReconstructionConfig{}
}

// DefaultReconstructionConfig returns a config with every tuning field set
// to its default. Output paths stay unset.
func DefaultReconstructionConfig() *ReconstructionConfig {
	return &ReconstructionConfig{
		LeafSize:          ptrFloat64(filter.DefaultLeafSize),
		ViewingAxisLeaf:   ptrFloat64(filter.DefaultViewingAxisLeaf),
		OutlierRadius:     ptrFloat64(filter.DefaultOutlierRadius),
		MinNeighbors:      ptrInt(filter.DefaultMinNeighbors),
		MeanK:             ptrInt(filter.DefaultMeanK),
		StddevMul:         ptrFloat64(filter.DefaultStddevMul),
		ContourLeafFactor: ptrFloat64(contour.DefaultLeafFactor),
		ContourAlpha:      ptrFloat64(contour.DefaultAlpha),
		MaxMatches:        ptrInt(stitch.DefaultMaxMatches),
		Prefetch:          ptrInt(0),
		LockPollInterval:  ptrString("100ms"),
		OutputEncoding:    ptrString(string(cloud.EncodingBinary)),
	}
}

// LoadReconstructionConfig loads a config from a .json or .toml file.
// Fields omitted from the file keep their defaults through the Get* methods.
func LoadReconstructionConfig(path string) (*ReconstructionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyReconstructionConfig()
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return nil, errors.New("failed to parse config JSON: trailing data after object")
		}
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *ReconstructionConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"leaf_size", c.LeafSize},
		{"viewing_axis_leaf", c.ViewingAxisLeaf},
		{"outlier_radius", c.OutlierRadius},
		{"contour_leaf_factor", c.ContourLeafFactor},
		{"contour_alpha", c.ContourAlpha},
	}
	for _, f := range positive {
		if f.v != nil && !(*f.v > 0) {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}

	if c.StddevMul != nil && *c.StddevMul < 0 {
		return fmt.Errorf("stddev_mul must be non-negative, got %f", *c.StddevMul)
	}
	if c.MinNeighbors != nil && *c.MinNeighbors < 0 {
		return fmt.Errorf("min_neighbors must be non-negative, got %d", *c.MinNeighbors)
	}
	if c.MeanK != nil && *c.MeanK < 0 {
		return fmt.Errorf("mean_k must be non-negative, got %d", *c.MeanK)
	}
	if c.MaxMatches != nil && *c.MaxMatches < 1 {
		return fmt.Errorf("max_matches must be at least 1, got %d", *c.MaxMatches)
	}
	if c.Prefetch != nil && *c.Prefetch < 0 {
		return fmt.Errorf("prefetch must be non-negative, got %d", *c.Prefetch)
	}

	if c.LockPollInterval != nil && *c.LockPollInterval != "" {
		d, err := time.ParseDuration(*c.LockPollInterval)
		if err != nil {
			return fmt.Errorf("invalid lock_poll_interval '%s': %w", *c.LockPollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("lock_poll_interval must be positive, got %s", d)
		}
	}

	if c.OutputEncoding != nil {
		switch cloud.Encoding(strings.ToLower(*c.OutputEncoding)) {
		case cloud.EncodingASCII, cloud.EncodingBinary:
		default:
			return fmt.Errorf("output_encoding must be %q or %q, got %q",
				cloud.EncodingBinary, cloud.EncodingASCII, *c.OutputEncoding)
		}
	}
	return nil
}

// GetLeafSize returns the leaf_size value or the default.
func (c *ReconstructionConfig) GetLeafSize() float64 {
	if c.LeafSize == nil {
		return filter.DefaultLeafSize
	}
	return *c.LeafSize
}

// GetViewingAxisLeaf returns the viewing_axis_leaf value or the default.
func (c *ReconstructionConfig) GetViewingAxisLeaf() float64 {
	if c.ViewingAxisLeaf == nil {
		return filter.DefaultViewingAxisLeaf
	}
	return *c.ViewingAxisLeaf
}

// GetOutlierRadius returns the outlier_radius value or the default.
func (c *ReconstructionConfig) GetOutlierRadius() float64 {
	if c.OutlierRadius == nil {
		return filter.DefaultOutlierRadius
	}
	return *c.OutlierRadius
}

// GetMinNeighbors returns the min_neighbors value or the default.
func (c *ReconstructionConfig) GetMinNeighbors() int {
	if c.MinNeighbors == nil {
		return filter.DefaultMinNeighbors
	}
	return *c.MinNeighbors
}

// GetMeanK returns the mean_k value or the default.
func (c *ReconstructionConfig) GetMeanK() int {
	if c.MeanK == nil {
		return filter.DefaultMeanK
	}
	return *c.MeanK
}

// GetStddevMul returns the stddev_mul value or the default.
func (c *ReconstructionConfig) GetStddevMul() float64 {
	if c.StddevMul == nil {
		return filter.DefaultStddevMul
	}
	return *c.StddevMul
}

// GetContourLeafFactor returns the contour_leaf_factor value or the default.
func (c *ReconstructionConfig) GetContourLeafFactor() float64 {
	if c.ContourLeafFactor == nil {
		return contour.DefaultLeafFactor
	}
	return *c.ContourLeafFactor
}

// GetContourAlpha returns the contour_alpha value or the default.
func (c *ReconstructionConfig) GetContourAlpha() float64 {
	if c.ContourAlpha == nil {
		return contour.DefaultAlpha
	}
	return *c.ContourAlpha
}

// GetMaxMatches returns the max_matches value or the default.
func (c *ReconstructionConfig) GetMaxMatches() int {
	if c.MaxMatches == nil {
		return stitch.DefaultMaxMatches
	}
	return *c.MaxMatches
}

// GetPrefetch returns the prefetch value or the default (no prefetch).
func (c *ReconstructionConfig) GetPrefetch() int {
	if c.Prefetch == nil {
		return 0
	}
	return *c.Prefetch
}

// GetLockPollInterval parses and returns the LockPollInterval as a time.Duration.
func (c *ReconstructionConfig) GetLockPollInterval() time.Duration {
	if c.LockPollInterval == nil || *c.LockPollInterval == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.LockPollInterval)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// GetOutputEncoding returns the output_encoding value or binary.
func (c *ReconstructionConfig) GetOutputEncoding() cloud.Encoding {
	if c.OutputEncoding == nil || *c.OutputEncoding == "" {
		return cloud.EncodingBinary
	}
	return cloud.Encoding(strings.ToLower(*c.OutputEncoding))
}

// GetLedgerPath returns the run ledger database path, or "" when disabled.
func (c *ReconstructionConfig) GetLedgerPath() string { return deref(c.LedgerPath) }

// GetPreviewPath returns the preview image path, or "" when disabled.
func (c *ReconstructionConfig) GetPreviewPath() string { return deref(c.PreviewPath) }

// GetReportPath returns the HTML report path, or "" when disabled.
func (c *ReconstructionConfig) GetReportPath() string { return deref(c.ReportPath) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// ToParams converts the config into pipeline parameters.
func (c *ReconstructionConfig) ToParams() pipeline.Params {
	leaf := c.GetLeafSize()
	return pipeline.Params{
		Filter: filter.Params{
			LeafSize:        leaf,
			ViewingAxisLeaf: c.GetViewingAxisLeaf(),
			OutlierRadius:   c.GetOutlierRadius(),
			MinNeighbors:    c.GetMinNeighbors(),
			MeanK:           c.GetMeanK(),
			StddevMul:       c.GetStddevMul(),
		},
		Contour: contour.Params{
			Leaf:  c.GetContourLeafFactor() * leaf,
			Alpha: c.GetContourAlpha(),
		},
		Stitch: stitch.Params{
			LeafSize:   leaf,
			MaxMatches: c.GetMaxMatches(),
		},
		Prefetch:         c.GetPrefetch(),
		LockPollInterval: c.GetLockPollInterval(),
		OutputEncoding:   c.GetOutputEncoding(),
	}
}
