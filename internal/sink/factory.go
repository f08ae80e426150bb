package sink

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"hexlab.xyz/bluetap/internal/config"
	"hexlab.xyz/bluetap/internal/log"
)

// SnoopFileOptions configures the "btsnoop" sink type.
type SnoopFileOptions struct {
	Path string `mapstructure:"path"`
}

// PcapOptions configures the "pcap" sink type.
type PcapOptions struct {
	Path    string `mapstructure:"path"`
	Snaplen uint32 `mapstructure:"snaplen"`
}

// Set is the collection of sinks built from configuration. Snoop (at most
// one) receives raw wire bytes from the receive loop; Pcaps consume decoded
// records via dispatcher callbacks.
type Set struct {
	Snoop *SnoopFile
	Pcaps []*Pcap
}

// Build instantiates every configured sink. On error, sinks already opened
// are closed again.
func Build(cfgs []config.SinkConfig) (*Set, error) {
	set := &Set{}
	for i, c := range cfgs {
		if err := set.add(c); err != nil {
			set.Close()
			return nil, fmt.Errorf("sinks[%d]: %w", i, err)
		}
	}
	return set, nil
}

func (s *Set) add(c config.SinkConfig) error {
	switch c.Type {
	case "btsnoop":
		if s.Snoop != nil {
			return fmt.Errorf("duplicate btsnoop sink")
		}
		var opts SnoopFileOptions
		if err := mapstructure.Decode(c.Options, &opts); err != nil {
			return fmt.Errorf("decode btsnoop options: %w", err)
		}
		if opts.Path == "" {
			opts.Path = "btsnoop.log"
		}
		snoop, err := NewSnoopFile(opts.Path)
		if err != nil {
			return err
		}
		s.Snoop = snoop
		log.GetLogger().Infof("sink: btsnoop log at %s", opts.Path)
		return nil

	case "pcap":
		var opts PcapOptions
		if err := mapstructure.Decode(c.Options, &opts); err != nil {
			return fmt.Errorf("decode pcap options: %w", err)
		}
		if opts.Path == "" {
			return fmt.Errorf("pcap sink requires a path")
		}
		p, err := NewPcap(opts.Path, opts.Snaplen)
		if err != nil {
			return err
		}
		s.Pcaps = append(s.Pcaps, p)
		log.GetLogger().Infof("sink: pcap export at %s", opts.Path)
		return nil

	default:
		return fmt.Errorf("unknown sink type %q", c.Type)
	}
}

// Close closes every sink in the set.
func (s *Set) Close() {
	if s.Snoop != nil {
		s.Snoop.Close()
	}
	for _, p := range s.Pcaps {
		p.Close()
	}
}
