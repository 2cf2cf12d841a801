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
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/bus"
	"github.com/MatthiasValvekens/usbhub-portd/hub"
	"github.com/MatthiasValvekens/usbhub-portd/hubsim"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	buses, err := decodeBuses(viper.Get("buses"))
	if err != nil {
		return err
	}
	if len(buses) == 0 {
		return fmt.Errorf("at least one bus must be specified")
	}
	portCounts := map[string]int{}
	for _, b := range buses {
		for _, h := range b.Hubs {
			portCounts[h.Name] = h.Ports
		}
	}
	events, err := decodeEvents(viper.Get("events"), portCounts)
	if err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	healthServer := health.NewServer()

	// Bring up every hub before serving anything.
	var hubs []*hub.Controller
	sims := map[string]*hubsim.Hub{}
	for _, b := range buses {
		busLogger := log.With(logger, "bus", b.Name)
		busReg := prometheus.WrapRegistererWith(prometheus.Labels{"bus": b.Name}, r)
		hc := hubsim.NewHostController(busLogger)
		arbiter := bus.NewArbiter(viper.GetDuration("reserve-retry"), busLogger, busReg)

		for _, spec := range b.Hubs {
			power, _ := hubsim.ParsePowerMode(spec.Power)
			speed := usb.HubSpeedHigh
			if spec.Superspeed {
				speed = usb.HubSpeedSuper
			}
			sim := hubsim.NewHub(hubsim.Config{
				Ports:         spec.Ports,
				Speed:         speed,
				Power:         power,
				PowerOnToGood: spec.PowerOnToGood,
				ResetDelay:    viper.GetDuration("reset-delay"),
				Logger:        log.With(busLogger, "sim", spec.Name),
			})
			c, err := hub.New(context.Background(), hub.Config{
				Name:            spec.Name,
				ResetTimeout:    viper.GetDuration("reset-timeout"),
				MaxPollFailures: viper.GetInt("poll-failures"),
				Logger:          busLogger,
				Registerer:      busReg,
			}, hub.Device{
				Control:      sim,
				StatusChange: sim,
				Bus:          hc,
				Speed:        speed,
				Depth:        spec.Depth,
			}, arbiter)
			if err != nil {
				return errors.Wrapf(err, "failed to bring up hub %s", spec.Name)
			}
			hubs = append(hubs, c)
			sims[spec.Name] = sim
		}
	}

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		mux.HandleFunc("/ports", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if err := hub.WriteTable(w, hubs...); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to serve port table", "err", err)
			}
		})
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Serve gRPC health, one service name per hub.
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		listen := viper.GetString("grpc-listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := grpcServer.Serve(l); err != nil {
				return fmt.Errorf("gRPC server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			healthServer.Shutdown()
			grpcServer.Stop()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	for _, c := range hubs {
		c := c // per-iteration copy (go 1.21 loop semantics)
		ctx, cancel := context.WithCancel(context.Background())
		hubLogger := log.With(logger, "hub", c.Name())
		healthServer.SetServingStatus(c.Name(), healthpb.HealthCheckResponse_SERVING)
		g.Add(func() error {
			_ = level.Info(hubLogger).Log("msg", "polling hub", "ports", c.Ports())
			if err := c.Run(ctx); err != nil {
				// A dead hub takes down its own ports only.
				_ = level.Error(hubLogger).Log("msg", "hub stopped", "err", err)
				healthServer.SetServingStatus(c.Name(), healthpb.HealthCheckResponse_NOT_SERVING)
				c.Shutdown()
				<-ctx.Done()
			}
			return nil
		}, func(error) {
			cancel()
			c.Shutdown()
		})
	}

	if len(events) > 0 {
		cancel := make(chan struct{})
		g.Add(func() error {
			return playScenario(events, sims, logger, cancel)
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

// playScenario applies events at their offsets from start-up, then idles.
func playScenario(events []eventSpec, sims map[string]*hubsim.Hub, logger log.Logger, cancel <-chan struct{}) error {
	start := time.Now()
	for _, e := range events {
		select {
		case <-time.After(time.Until(start.Add(e.At))):
		case <-cancel:
			return nil
		}
		_ = level.Info(logger).Log("msg", "scenario event", "hub", e.Hub, "port", e.Port, "action", e.Action)
		e.apply(sims[e.Hub])
	}
	_ = level.Info(logger).Log("msg", "scenario complete")
	<-cancel
	return nil
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
