package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/entwine-project/entwine/internal/errs"
)

// Input is a single user-specified input path, which may be a file, a
// glob, or a scan artifact (ept-scan.json).
type Input struct {
	Path string
}

// UserConfig is the config.json boundary: everything the CLI / --config
// file can supply, decoded once into this struct.
type UserConfig struct {
	Inputs  []string `json:"input"`
	Output  string   `json:"output"`
	Tmp     string   `json:"tmp"`
	Threads int      `json:"threads"`
	Force   bool     `json:"force"`
	Limit   int      `json:"limit"`

	DataType      DataType `json:"dataType"`
	Span          uint64   `json:"span"`
	Bounds        *Bounds  `json:"bounds"`
	ScaleX        float64  `json:"scaleX"`
	ScaleY        float64  `json:"scaleY"`
	ScaleZ        float64  `json:"scaleZ"`
	Absolute      bool     `json:"absolute"`
	NoOriginId    bool     `json:"noOriginId"`
	Subset        *Subset  `json:"subset"`
	MaxNodeSize   uint64   `json:"maxNodeSize"`
	MinNodeSize   uint64   `json:"minNodeSize"`
	CacheSize     uint64   `json:"cacheSize"`
	HierarchyStep uint32   `json:"hierarchyStep"`
	SleepCount    uint64   `json:"sleepCount"`
	Progress      uint64   `json:"progress"`
	Laz14         bool     `json:"laz14"`
	Reprojection  string   `json:"reprojection"`
}

// Defaults fills unset numeric fields with entwine's defaults.
func (c *UserConfig) Defaults() {
	if c.Span == 0 {
		c.Span = 128
	}
	if c.MaxNodeSize == 0 {
		c.MaxNodeSize = 100000
	}
	if c.MinNodeSize == 0 {
		c.MinNodeSize = c.MaxNodeSize / 4
	}
	if c.CacheSize == 0 {
		c.CacheSize = 64
	}
	if c.SleepCount == 0 {
		c.SleepCount = 65536
	}
	if c.Progress == 0 {
		c.Progress = 10
	}
	if c.DataType == "" {
		c.DataType = DataTypeLaszip
	}
	if c.Threads == 0 {
		c.Threads = 4
	}
}

// Validate checks the subset of UserConfig that must be internally
// consistent, independent of any existing on-disk EPT.
func (c *UserConfig) Validate() error {
	if len(c.Inputs) == 0 {
		return errs.Config("no inputs specified", nil)
	}
	if c.Output == "" {
		return errs.Config("no output specified", nil)
	}
	switch c.DataType {
	case DataTypeLaszip, DataTypeZstandard, DataTypeBinary, "":
	default:
		return errs.Configf("unknown dataType %q", c.DataType)
	}
	if c.Subset != nil && !c.Subset.Valid() {
		return errs.Configf("invalid subset %+v: Of must be a power of 4 and 1<=Id<=Of", *c.Subset)
	}
	return nil
}

// Resolved is the outcome of reconciling UserConfig with any pre-existing
// on-disk EPT: the metadata/params to build with, plus whether this is a
// fresh build.
type Resolved struct {
	Metadata Metadata
	Params   BuildParams
	Fresh    bool
}

// existingPaths returns the ept.json / ept-build.json paths for output,
// honoring a subset postfix.
func existingPaths(output string, subset *Subset) (metaPath, buildPath string) {
	postfix := ""
	if subset != nil {
		postfix = "-" + strconv.Itoa(subset.Id)
	}
	return filepath.Join(output, "ept"+postfix+".json"),
		filepath.Join(output, "ept-build"+postfix+".json")
}

// Resolve reconciles user config against output's existing EPT.
// If --force is set, or no ept.json exists, this is a
// fresh build and Resolved is derived purely from c. Otherwise every
// metadata field that describes build semantics (schema, bounds, span,
// dataType, hierarchyStep, scale/offset, reprojection) is taken from the
// existing files, overriding anything the user supplied for those fields;
// the user may still supply new inputs and tuning parameters
// (threads/limit/progress).
func Resolve(c UserConfig, scanned Metadata, scannedParams BuildParams) (Resolved, error) {
	metaPath, buildPath := existingPaths(c.Output, c.Subset)

	if c.Force {
		return Resolved{Metadata: scanned, Params: scannedParams, Fresh: true}, nil
	}
	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		return Resolved{Metadata: scanned, Params: scannedParams, Fresh: true}, nil
	}

	existingMetaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return Resolved{}, errs.Io("read ept.json", err)
	}
	var existingMeta Metadata
	if err := json.Unmarshal(existingMetaBytes, &existingMeta); err != nil {
		return Resolved{}, errs.Decode("ept.json", err)
	}

	var existingParams BuildParams
	if b, err := os.ReadFile(buildPath); err == nil {
		if err := json.Unmarshal(b, &existingParams); err != nil {
			return Resolved{}, errs.Decode("ept-build.json", err)
		}
	} else if !os.IsNotExist(err) {
		return Resolved{}, errs.Io("read ept-build.json", err)
	}

	if existingMeta.Subset != nil && c.Subset != nil && existingMeta.Subset.Of != c.Subset.Of {
		return Resolved{}, errs.Configf(
			"existing build has subset.of=%d, requested subset.of=%d",
			existingMeta.Subset.Of, c.Subset.Of)
	}

	return Resolved{Metadata: existingMeta, Params: existingParams, Fresh: false}, nil
}
