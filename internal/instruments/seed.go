package instruments

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/epic1st/optionstream/backend/internal/domain"
)

// seedFile is the on-disk shape of a static instrument snapshot consumed
// at boot, one entry per Instrument.
type seedFile struct {
	Instruments []seedInstrument `yaml:"instruments"`
}

type seedInstrument struct {
	Token           uint32  `yaml:"token"`
	Symbol          string  `yaml:"symbol"`
	Segment         string  `yaml:"segment"`
	OptionType      string  `yaml:"option_type,omitempty"`
	Strike          float64 `yaml:"strike,omitempty"`
	Expiry          string  `yaml:"expiry,omitempty"` // RFC3339 date
	LotSize         uint32  `yaml:"lot_size"`
	TickSize        float64 `yaml:"tick_size"`
	UnderlyingToken uint32  `yaml:"underlying_token,omitempty"`
}

// LoadSeedFile parses a YAML instrument snapshot from disk into domain
// Instruments, for Registry.Load at boot.
func LoadSeedFile(path string) ([]domain.Instrument, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instrument seed %s: %w", path, err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(body, &sf); err != nil {
		return nil, fmt.Errorf("parse instrument seed %s: %w", path, err)
	}

	out := make([]domain.Instrument, 0, len(sf.Instruments))
	for _, si := range sf.Instruments {
		inst := domain.Instrument{
			Token:           si.Token,
			Symbol:          si.Symbol,
			Segment:         domain.Segment(si.Segment),
			OptionType:      domain.OptionType(si.OptionType),
			Strike:          si.Strike,
			LotSize:         si.LotSize,
			TickSize:        si.TickSize,
			UnderlyingToken: si.UnderlyingToken,
		}
		if si.Expiry != "" {
			expiry, err := time.Parse("2006-01-02", si.Expiry)
			if err != nil {
				return nil, fmt.Errorf("instrument %d: parse expiry %q: %w", si.Token, si.Expiry, err)
			}
			inst.Expiry = expiry
		}
		out = append(out, inst)
	}
	return out, nil
}
