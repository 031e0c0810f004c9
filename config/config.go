package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// Terminal policies for moving blocked tasks into a terminal column.
const (
	TerminalPolicyBlock = "block"
	TerminalPolicyWarn  = "warn"
)

// Config is the root board configuration. One file describes every
// board the service hosts plus shared policy knobs.
type Config struct {
	Boards         []domain.Board `yaml:"boards"`
	TerminalPolicy string         `yaml:"terminalPolicy,omitempty"`
}

// Load reads and parses the board configuration at the given path.
// Column ranks default to declaration order and a missing status map
// gets the stock reserved-status mapping, so hand-written files stay
// short.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read board config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse board config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a single-board configuration with the standard
// four column layout.
func Default() *Config {
	cfg := &Config{
		Boards:         []domain.Board{domain.DefaultBoard("default", "Board")},
		TerminalPolicy: TerminalPolicyBlock,
	}
	return cfg
}

// Board returns the board with the given id.
func (c *Config) Board(id string) (domain.Board, bool) {
	for _, b := range c.Boards {
		if b.ID == id {
			return b, true
		}
	}
	return domain.Board{}, false
}

func (c *Config) applyDefaults() {
	if c.TerminalPolicy == "" {
		c.TerminalPolicy = TerminalPolicyBlock
	}
	stock := domain.DefaultBoard("", "")
	for i := range c.Boards {
		b := &c.Boards[i]
		if b.Name == "" {
			b.Name = b.ID
		}
		ranked := false
		for _, col := range b.Columns {
			if col.Rank != 0 {
				ranked = true
				break
			}
		}
		if !ranked {
			for j := range b.Columns {
				b.Columns[j].Rank = j
			}
		}
		if b.StatusMap == nil {
			b.StatusMap = make(map[domain.Status]domain.Status, len(stock.StatusMap))
			for from, to := range stock.StatusMap {
				if _, ok := b.Column(to); ok {
					b.StatusMap[from] = to
				}
			}
		}
	}
}

func (c *Config) validate() error {
	if len(c.Boards) == 0 {
		return fmt.Errorf("board config declares no boards")
	}
	if c.TerminalPolicy != TerminalPolicyBlock && c.TerminalPolicy != TerminalPolicyWarn {
		return fmt.Errorf("terminalPolicy must be %q or %q, got %q", TerminalPolicyBlock, TerminalPolicyWarn, c.TerminalPolicy)
	}
	seen := make(map[string]struct{}, len(c.Boards))
	for _, b := range c.Boards {
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("board %q declared twice", b.ID)
		}
		seen[b.ID] = struct{}{}
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}
