// Package config assembles format parameters from built-in defaults, an
// optional YAML file and LFS_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mit-pdos/go-lfs/common"
	"github.com/mit-pdos/go-lfs/super"
)

const envPrefix = "LFS"

type Params struct {
	BlockSize        uint16 `yaml:"blockSize"        envconfig:"BLOCK_SIZE"`
	SegmentSize      uint32 `yaml:"segmentSize"      envconfig:"SEGMENT_SIZE"`
	Inodes           uint32 `yaml:"inodes"           envconfig:"INODES"`
	BufferPeriod     uint8  `yaml:"bufferPeriod"     envconfig:"BUFFER_PERIOD"`
	CheckpointPeriod uint8  `yaml:"checkpointPeriod" envconfig:"CHECKPOINT_PERIOD"`
	Indirection      uint8  `yaml:"indirection"      envconfig:"INDIRECTION"`
	MinCleanSegs     uint8  `yaml:"minCleanSegs"     envconfig:"MIN_CLEAN_SEGS"`
	TargetCleanSegs  uint8  `yaml:"targetCleanSegs"  envconfig:"TARGET_CLEAN_SEGS"`
}

func Default() Params {
	return FromSuper(super.DefaultParams())
}

func FromSuper(p super.Params) Params {
	return Params{
		BlockSize:        p.BlockSize,
		SegmentSize:      p.SegmentSize,
		Inodes:           p.Inodes,
		BufferPeriod:     p.BufferPeriod,
		CheckpointPeriod: p.CheckpointPeriod,
		Indirection:      p.Indirection,
		MinCleanSegs:     p.MinCleanSegs,
		TargetCleanSegs:  p.TargetCleanSegs,
	}
}

func (p Params) Super() super.Params {
	return super.Params{
		BlockSize:        p.BlockSize,
		SegmentSize:      p.SegmentSize,
		Inodes:           p.Inodes,
		BufferPeriod:     p.BufferPeriod,
		CheckpointPeriod: p.CheckpointPeriod,
		Indirection:      p.Indirection,
		MinCleanSegs:     p.MinCleanSegs,
		TargetCleanSegs:  p.TargetCleanSegs,
	}
}

// Decode overlays the YAML document in r on p. Unknown keys are rejected.
func (p *Params) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %v: %w", err, common.ErrInvalidArgument)
	}
	return nil
}

// Load returns the defaults overlaid with the file at path, if path is
// not empty, and then with the environment.
func Load(path string) (Params, error) {
	p := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("reading config file: %w", err)
		}
		if err := p.Decode(bytes.NewReader(data)); err != nil {
			return p, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := envconfig.Process(envPrefix, &p); err != nil {
		return p, fmt.Errorf("parsing environment: %v: %w", err, common.ErrInvalidArgument)
	}
	return p, nil
}

// Marshal renders p as YAML, in the form Load reads.
func (p Params) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
