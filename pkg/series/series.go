// Package series defines the data model shared by the upstream client, the
// series stores and the cache coordinator: series keys and definitions,
// descriptors, observations, periods and fetch windows.
package series

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validation errors. They are returned before any network or store activity.
var (
	ErrInvalidKey        = errors.New("invalid series key")
	ErrUnknownSeries     = errors.New("unknown series")
	ErrInvalidWindow     = errors.New("invalid fetch window")
	ErrInvalidPeriod     = errors.New("invalid period")
	ErrInvalidBatch      = errors.New("invalid observation batch")
	ErrInvalidDefinition = errors.New("invalid series definition")
)

var validate = validator.New()

var (
	namePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
	refPattern  = regexp.MustCompile(`^[A-Z][A-Z0-9_]*\.[A-Za-z0-9_+.]*[A-Za-z0-9_+]$`)
)

// Key identifies one series. It is either a catalog name ("EUR_USD_DAILY") or a
// direct upstream reference "DATAFLOW.DIMENSION.KEY" ("EXR.D.USD.EUR.SP00.A").
type Key string

// String returns the key as a string.
func (k Key) String() string {
	return string(k)
}

// IsReference reports whether the key is a direct dataflow reference.
func (k Key) IsReference() bool {
	return strings.Contains(string(k), ".")
}

// Validate checks the key format.
func (k Key) Validate() error {
	s := string(k)
	if namePattern.MatchString(s) || refPattern.MatchString(s) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidKey, s)
}

// Definition tells the upstream client how to request a series.
type Definition struct {
	Key          Key       `json:"key" validate:"required"`
	Dataflow     string    `json:"dataflow" validate:"required,max=32"`
	DimensionKey string    `json:"dimension_key" validate:"required"`
	Label        string    `json:"label"`
	Frequency    Frequency `json:"frequency"`
}

// Validate checks the definition is complete.
func (d Definition) Validate() error {
	if err := d.Key.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

// Reference returns the "DATAFLOW.DIMENSION.KEY" form of the definition.
func (d Definition) Reference() string {
	return d.Dataflow + "." + d.DimensionKey
}

// Catalog resolves series keys to definitions. Safe for concurrent use.
type Catalog struct {
	mu   sync.RWMutex
	defs map[Key]Definition
}

// NewCatalog creates a catalog holding the given definitions.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[Key]Definition, len(defs))}
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultDefinitions are the ECB series tracked out of the box.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Key: "EUR_USD_DAILY", Dataflow: "EXR", DimensionKey: "D.USD.EUR.SP00.A", Label: "EUR/USD daily reference rate", Frequency: FrequencyDaily},
		{Key: "EUR_USD_MONTHLY", Dataflow: "EXR", DimensionKey: "M.USD.EUR.SP00.A", Label: "EUR/USD monthly average", Frequency: FrequencyMonthly},
		{Key: "EUR_GBP_DAILY", Dataflow: "EXR", DimensionKey: "D.GBP.EUR.SP00.A", Label: "EUR/GBP daily reference rate", Frequency: FrequencyDaily},
		{Key: "INFLATION_MONTHLY", Dataflow: "ICP", DimensionKey: "M.U2.N.000000.4.ANR", Label: "Euro area HICP annual rate", Frequency: FrequencyMonthly},
		{Key: "ECB_MAIN_RATE", Dataflow: "FM", DimensionKey: "D.U2.EUR.4F.KR.DFR.LEV", Label: "ECB deposit facility rate", Frequency: FrequencyDaily},
	}
}

// DefaultCatalog returns a catalog with DefaultDefinitions registered.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDefinitions()...)
	if err != nil {
		// Static definitions; only a programming error gets here.
		panic(err)
	}
	return c
}

// Register adds or replaces a definition. Catalog entries must use a name key.
func (c *Catalog) Register(def Definition) error {
	if def.Key.IsReference() {
		return fmt.Errorf("%w: catalog key %q must be a name", ErrInvalidKey, def.Key)
	}
	if def.Frequency == "" {
		def.Frequency = FrequencyFromDimensionKey(def.DimensionKey)
	}
	if def.Label == "" {
		def.Label = string(def.Key)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Key] = def
	return nil
}

// Resolve returns the definition for key. Direct references resolve without a
// catalog entry; names must have been registered.
func (c *Catalog) Resolve(key Key) (Definition, error) {
	if err := key.Validate(); err != nil {
		return Definition{}, err
	}

	if key.IsReference() {
		dataflow, dimensionKey, _ := strings.Cut(string(key), ".")
		return Definition{
			Key:          key,
			Dataflow:     dataflow,
			DimensionKey: dimensionKey,
			Label:        string(key),
			Frequency:    FrequencyFromDimensionKey(dimensionKey),
		}, nil
	}

	c.mu.RLock()
	def, ok := c.defs[key]
	c.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownSeries, key)
	}
	return def, nil
}

// Keys returns the registered catalog keys in sorted order.
func (c *Catalog) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]Key, 0, len(c.defs))
	for k := range c.defs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
