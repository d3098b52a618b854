package config

import (
	"fmt"
	"sort"

	"github.com/born-ml/eco/internal/model"
)

// DatasetInfo describes a known dataset.
type DatasetInfo struct {
	NumClass    int
	FrameFormat string // Frame number format appended to the file prefix
}

// Datasets is the registry of known datasets.
var Datasets = map[string]DatasetInfo{
	"ucf101":    {NumClass: 101, FrameFormat: "%05d.jpg"},
	"hmdb51":    {NumClass: 51, FrameFormat: "%05d.jpg"},
	"kinetics":  {NumClass: 400, FrameFormat: "%05d.jpg"},
	"something": {NumClass: 174, FrameFormat: "%04d.jpg"},
}

// DatasetNames returns the registered dataset names in sorted order.
func DatasetNames() []string {
	names := make([]string, 0, len(Datasets))
	for name := range Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatasetInfo looks up Data.Dataset in the registry.
func (c *Config) DatasetInfo() (DatasetInfo, error) {
	info, ok := Datasets[c.Data.Dataset]
	if !ok {
		return DatasetInfo{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownDataset, c.Data.Dataset, DatasetNames())
	}
	return info, nil
}

// FrameTemplate returns the frame file name template for the configured
// modality, for example "img_%05d.jpg" or "flow_%s_%05d.jpg".
func (c *Config) FrameTemplate() (string, error) {
	info, err := c.DatasetInfo()
	if err != nil {
		return "", err
	}
	if c.Modality() == model.Flow {
		return c.Data.FlowPrefix + info.FrameFormat, nil
	}
	return c.Data.RGBPrefix + info.FrameFormat, nil
}
