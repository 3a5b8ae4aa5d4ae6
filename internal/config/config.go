// Package config holds the capability flags the SVM engine is configured with
// at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxASID          = 8
	DefaultPauseFilterCount = 3000
)

var ErrInvalid = errors.New("invalid capabilities")

// Capabilities describes which SVM features the host provides and which of
// them the engine should use. The set is fixed once an engine is created.
type Capabilities struct {
	NPT           bool `yaml:"npt"`
	NRIPS         bool `yaml:"nrips"`
	AVIC          bool `yaml:"avic"`
	Nested        bool `yaml:"nested"`
	FlushByASID   bool `yaml:"flushByASID"`
	DecodeAssists bool `yaml:"decodeAssists"`
	LBRV          bool `yaml:"lbrv"`
	PauseFilter   bool `yaml:"pauseFilter"`
	Erratum383    bool `yaml:"erratum383"`
	VGIF          bool `yaml:"vgif,omitempty"`

	PauseFilterCount uint16 `yaml:"pauseFilterCount,omitempty"`
	MaxASID          uint32 `yaml:"maxASID,omitempty"`
}

// Default returns the capability set of a typical modern AMD host.
func Default() Capabilities {
	c := Capabilities{
		NPT:           true,
		NRIPS:         true,
		Nested:        true,
		FlushByASID:   true,
		DecodeAssists: true,
		LBRV:          true,
		PauseFilter:   true,
	}
	c.Normalize()
	return c
}

// Normalize fills defaults and drops features whose prerequisites are missing.
func (c *Capabilities) Normalize() {
	if c.MaxASID == 0 {
		c.MaxASID = DefaultMaxASID
	}
	if c.PauseFilter && c.PauseFilterCount == 0 {
		c.PauseFilterCount = DefaultPauseFilterCount
	}
	if !c.PauseFilter {
		c.PauseFilterCount = 0
	}
	// AVIC tables are addressed through nested page tables.
	if !c.NPT {
		c.AVIC = false
	}
}

// Validate reports combinations the engine cannot run with.
func (c Capabilities) Validate() error {
	if c.MaxASID < 2 {
		return fmt.Errorf("%w: maxASID %d leaves no guest ASIDs", ErrInvalid, c.MaxASID)
	}
	if c.AVIC && !c.NPT {
		return fmt.Errorf("%w: avic requires npt", ErrInvalid)
	}
	return nil
}

// Parse decodes capabilities from YAML, rejecting unknown keys.
func Parse(data []byte) (Capabilities, error) {
	var c Capabilities

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Capabilities{}, fmt.Errorf("parse capabilities: %w", err)
	}

	c.Normalize()
	if err := c.Validate(); err != nil {
		return Capabilities{}, err
	}
	return c, nil
}

// Load reads capabilities from a YAML file.
func Load(path string) (Capabilities, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Capabilities{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Capabilities{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write stores capabilities as YAML.
func Write(path string, c Capabilities) error {
	c.Normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
