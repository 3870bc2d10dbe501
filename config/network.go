package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"causalfeed/internal/model"
)

// Canonical timeframe sets used when neither TF_NETWORK_FILE nor the CSV
// overrides are set.
const (
	defaultMarketTFs  = "1s,5s,15s,1m,5m,15m,1h"
	defaultWeatherTFs = "1m,5m,15m,1h"
)

// networkFile is the on-disk YAML shape:
//
//	networks:
//	  market:
//	    - {label: 1m, seconds: 60, capacity: 5000}
type networkFile struct {
	Networks map[string][]model.Timeframe `yaml:"networks"`
}

// Networks resolves the market and weather timeframe networks, in order of
// precedence: TF_NETWORK_FILE, then MARKET_TFS/WEATHER_TFS, then the
// canonical defaults. Invalid definitions are an error; the caller treats
// that as fatal at startup.
func (c *Config) Networks() (market, weather model.Network, err error) {
	if c.TFNetworkFile != "" {
		return loadNetworkFile(c.TFNetworkFile, c.BufferCapacity)
	}

	marketCSV := c.MarketTFs
	if marketCSV == "" {
		marketCSV = defaultMarketTFs
	}
	weatherCSV := c.WeatherTFs
	if weatherCSV == "" {
		weatherCSV = defaultWeatherTFs
	}

	market, err = model.ParseNetwork("market", marketCSV, c.BufferCapacity)
	if err != nil {
		return model.Network{}, model.Network{}, err
	}
	weather, err = model.ParseNetwork("weather", weatherCSV, c.BufferCapacity)
	if err != nil {
		return model.Network{}, model.Network{}, err
	}
	return market, weather, nil
}

func loadNetworkFile(path string, defaultCapacity int) (market, weather model.Network, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Network{}, model.Network{}, fmt.Errorf("timeframe network file: %w", err)
	}
	var nf networkFile
	if err := yaml.Unmarshal(raw, &nf); err != nil {
		return model.Network{}, model.Network{}, fmt.Errorf("timeframe network file %s: %w", path, err)
	}

	build := func(name string) (model.Network, error) {
		tfs, ok := nf.Networks[name]
		if !ok {
			return model.Network{}, fmt.Errorf("timeframe network file %s: missing network %q", path, name)
		}
		for i := range tfs {
			if tfs[i].Capacity == 0 {
				tfs[i].Capacity = defaultCapacity
			}
		}
		n := model.Network{Name: name, TFs: tfs}
		if err := n.Validate(); err != nil {
			return model.Network{}, err
		}
		return n, nil
	}

	if market, err = build("market"); err != nil {
		return model.Network{}, model.Network{}, err
	}
	if weather, err = build("weather"); err != nil {
		return model.Network{}, model.Network{}, err
	}
	return market, weather, nil
}
