// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/bus"
	"github.com/MatthiasValvekens/usbhub-portd/hub"
	"github.com/MatthiasValvekens/usbhub-portd/hubsim"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health, metrics and the port table.")
	flag.String("grpc-listen", ":8081", "The address at which to serve the gRPC health service.")
	flag.Duration("reserve-retry", bus.DefaultRetryInterval, "How long to wait for a release before asking for the default address again.")
	flag.Duration("reset-timeout", 0, "Give up on a port reset after this long. 0 waits until the device leaves.")
	flag.Int("poll-failures", hub.DefaultMaxPollFailures, "Consecutive status change endpoint errors tolerated before a hub is given up.")
	flag.Duration("reset-delay", hubsim.DefaultResetDelay, "Time a simulated port reset takes.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbhub-portd/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

type hubSpec struct {
	Name       string `json:"name"`
	Ports      int    `json:"ports"`
	Superspeed bool   `json:"superspeed"`
	Power      string `json:"power"`
	Depth      uint16 `json:"depth"`
	// PowerOnToGood is bPwrOn2PwrGood of the simulated hub, in units of 2ms.
	PowerOnToGood uint8 `json:"powerOnToGood"`
}

type busSpec struct {
	Name string    `json:"name"`
	Hubs []hubSpec `json:"hubs"`
}

// eventSpec is one step of the scenario played against the simulated hubs.
type eventSpec struct {
	At     time.Duration `json:"at"`
	Hub    string        `json:"hub"`
	Port   int           `json:"port"`
	Action string        `json:"action"`
	Speed  string        `json:"speed"`
}

const (
	actionPlug                = "plug"
	actionUnplug              = "unplug"
	actionOverCurrent         = "overcurrent"
	actionClearOverCurrent    = "clear-overcurrent"
	actionHubOverCurrent      = "hub-overcurrent"
	actionClearHubOverCurrent = "clear-hub-overcurrent"
	actionLocalPower          = "local-power"
	actionKill                = "kill"
)

func listItems(raw interface{}, what string) ([]interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode %s: unexpected type: %T", what, raw)
	}
	return items, nil
}

func decodeItem(item interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     result,
		TagName:    "json",
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(item)
}

func validateName(kind, name string) error {
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return errors.Newf("invalid %s name %q: %s", kind, name, strings.Join(errs, ", "))
	}
	return nil
}

// decodeBuses reads the topology: every bus with the hubs attached to it.
// Hub names are unique across buses.
func decodeBuses(raw interface{}) ([]busSpec, error) {
	items, err := listItems(raw, "buses")
	if err != nil {
		return nil, err
	}
	buses := make([]busSpec, len(items))
	for i, item := range items {
		if err := decodeItem(item, &buses[i]); err != nil {
			return nil, fmt.Errorf("failed to decode bus %q: %w", item, err)
		}
	}

	busNames := map[string]bool{}
	hubNames := map[string]bool{}
	for i := range buses {
		b := &buses[i]
		if err := validateName("bus", b.Name); err != nil {
			return nil, err
		}
		if busNames[b.Name] {
			return nil, errors.Newf("bus %q declared twice", b.Name)
		}
		busNames[b.Name] = true
		if len(b.Hubs) == 0 {
			return nil, errors.Newf("bus %q has no hubs", b.Name)
		}
		for _, h := range b.Hubs {
			if err := validateName("hub", h.Name); err != nil {
				return nil, err
			}
			if hubNames[h.Name] {
				return nil, errors.Newf("hub %q declared twice", h.Name)
			}
			hubNames[h.Name] = true
			if h.Ports < 1 || h.Ports > usb.MaxPorts {
				return nil, errors.Newf("hub %q: port count must be between 1 and %d, got %d", h.Name, usb.MaxPorts, h.Ports)
			}
			if _, err := hubsim.ParsePowerMode(h.Power); err != nil {
				return nil, errors.Wrapf(err, "hub %q", h.Name)
			}
		}
	}
	return buses, nil
}

// decodeEvents reads the scenario and orders it by time. ports maps every
// known hub name to its port count.
func decodeEvents(raw interface{}, ports map[string]int) ([]eventSpec, error) {
	items, err := listItems(raw, "events")
	if err != nil {
		return nil, err
	}
	events := make([]eventSpec, len(items))
	for i, item := range items {
		if err := decodeItem(item, &events[i]); err != nil {
			return nil, fmt.Errorf("failed to decode event %q: %w", item, err)
		}
	}

	for i, e := range events {
		n, ok := ports[e.Hub]
		if !ok {
			return nil, errors.Newf("event %d: unknown hub %q", i, e.Hub)
		}
		switch e.Action {
		case actionPlug:
			if _, err := parseSpeed(e.Speed); err != nil {
				return nil, errors.Wrapf(err, "event %d", i)
			}
			fallthrough
		case actionUnplug, actionOverCurrent, actionClearOverCurrent:
			if e.Port < 1 || e.Port > n {
				return nil, errors.Newf("event %d: hub %q has no port %d", i, e.Hub, e.Port)
			}
		case actionHubOverCurrent, actionClearHubOverCurrent, actionLocalPower, actionKill:
		default:
			return nil, errors.Newf("event %d: unknown action %q", i, e.Action)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At < events[j].At })
	return events, nil
}

func parseSpeed(s string) (usb.Speed, error) {
	switch s {
	case "low":
		return usb.SpeedLow, nil
	case "", "full":
		return usb.SpeedFull, nil
	case "high":
		return usb.SpeedHigh, nil
	case "super":
		return usb.SpeedSuper, nil
	default:
		return usb.SpeedUnknown, errors.Newf("unknown device speed %q", s)
	}
}

func (e eventSpec) apply(sim *hubsim.Hub) {
	switch e.Action {
	case actionPlug:
		speed, _ := parseSpeed(e.Speed)
		sim.Plug(e.Port, speed)
	case actionUnplug:
		sim.Unplug(e.Port)
	case actionOverCurrent:
		sim.SetOverCurrent(e.Port, true)
	case actionClearOverCurrent:
		sim.SetOverCurrent(e.Port, false)
	case actionHubOverCurrent:
		sim.SetHubOverCurrent(true)
	case actionClearHubOverCurrent:
		sim.SetHubOverCurrent(false)
	case actionLocalPower:
		sim.LocalPowerChange(true)
	case actionKill:
		sim.Kill()
	}
}
