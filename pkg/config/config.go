// PicoLink Core
// Copyright (c) 2026 The PicoLink Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of PicoLink Core.
//
// PicoLink Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// PicoLink Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with PicoLink Core.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/picolink/picolink-core/pkg/api/validation"
	"github.com/picolink/picolink-core/pkg/helpers/syncutil"
	"github.com/picolink/picolink-core/pkg/transfer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	SchemaVersion = 1
	CfgEnv        = "PICOLINK_CFG"
)

var ErrSchemaMismatch = errors.New("schema version mismatch")

type Values struct {
	ErrorReporting ErrorReporting `toml:"error_reporting"`
	Device         Device         `toml:"device"`
	Downloads      Downloads      `toml:"downloads"`
	Outbox         Outbox         `toml:"outbox"`
	API            API            `toml:"api"`
	Transfer       Transfer       `toml:"transfer"`
	ConfigSchema   int            `toml:"config_schema"`
	DebugLogging   bool           `toml:"debug_logging"`
}

type Device struct {
	VID      string `toml:"vid" validate:"required,usbid"`
	PID      string `toml:"pid" validate:"required,usbid"`
	Port     string `toml:"port,omitempty"`
	BaudRate int    `toml:"baud_rate" validate:"gt=0"`
}

type Transfer struct {
	PollIntervalMS      int `toml:"poll_interval_ms" validate:"min=1,max=1000"`
	TokenPollMS         int `toml:"token_poll_ms" validate:"min=1,max=1000"`
	DownloadPollMS      int `toml:"download_poll_ms" validate:"min=1,max=1000"`
	WriteTimeoutMS      int `toml:"write_timeout_ms" validate:"min=1"`
	ReadyTimeoutSecs    int `toml:"ready_timeout_secs" validate:"min=1"`
	AckTimeoutSecs      int `toml:"ack_timeout_secs" validate:"min=1"`
	UploadOKTimeoutSecs int `toml:"upload_ok_timeout_secs" validate:"min=1"`
	DownloadTimeoutSecs int `toml:"download_timeout_secs" validate:"min=1"`
	EndMarkerGraceMS    int `toml:"end_marker_grace_ms" validate:"min=0"`
}

type Downloads struct {
	Dir string `toml:"dir,omitempty"`
}

type Outbox struct {
	Dir     string `toml:"dir,omitempty"`
	Enabled bool   `toml:"enabled"`
}

type API struct {
	Listen         string   `toml:"listen" validate:"required,listen"`
	AllowedOrigins []string `toml:"allowed_origins,omitempty"`
	Enabled        bool     `toml:"enabled"`
}

type ErrorReporting struct {
	DSN       string `toml:"dsn,omitempty" validate:"omitempty,url"`
	InstallID string `toml:"install_id,omitempty"`
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Device: Device{
		VID:      "2E8A",
		PID:      "000A",
		BaudRate: 115200,
	},
	Transfer: Transfer{
		PollIntervalMS:      20,
		TokenPollMS:         10,
		DownloadPollMS:      5,
		WriteTimeoutMS:      50,
		ReadyTimeoutSecs:    10,
		AckTimeoutSecs:      5,
		UploadOKTimeoutSecs: 100,
		DownloadTimeoutSecs: 30,
		EndMarkerGraceMS:    50,
	},
	API: API{
		Enabled: true,
		Listen:  "127.0.0.1:7498",
	},
}

type Instance struct {
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// NewConfig loads the config file from configDir, writing the defaults to
// disk first if it does not exist yet. PICOLINK_CFG overrides the path.
//
//nolint:gocritic // config struct copied for immutability
func NewConfig(configDir string, defaults Values) (*Instance, error) {
	cfgPath := os.Getenv(CfgEnv)
	log.Debug().Msgf("env config path: %s", cfgPath)

	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}

	cfg := Instance{
		cfgPath:  cfgPath,
		vals:     defaults,
		defaults: defaults,
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		log.Info().Msg("saving new default config to disk")

		err := os.MkdirAll(filepath.Dir(cfgPath), 0o750)
		if err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}

		err = cfg.Save()
		if err != nil {
			return nil, err
		}
	}

	err := cfg.Load()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Instance) Path() string {
	return c.cfgPath
}

func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	data, err := os.ReadFile(c.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// fields missing from the file keep their defaults
	newVals := c.defaults
	err = toml.Unmarshal(data, &newVals)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		log.Error().Msgf(
			"schema version mismatch: got %d, expecting %d",
			newVals.ConfigSchema,
			SchemaVersion,
		)
		return ErrSchemaMismatch
	}

	newVals.Device.VID = strings.ToUpper(strings.TrimPrefix(strings.ToLower(newVals.Device.VID), "0x"))
	newVals.Device.PID = strings.ToUpper(strings.TrimPrefix(strings.ToLower(newVals.Device.PID), "0x"))

	if err := validation.DefaultValidator.Validate(&newVals); err != nil {
		return fmt.Errorf("invalid config %s: %w", c.cfgPath, err)
	}

	c.vals = newVals
	applyLogLevel(c.vals.DebugLogging)
	return nil
}

func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	c.vals.ConfigSchema = SchemaVersion

	if c.vals.ErrorReporting.InstallID == "" {
		newID := uuid.New().String()
		c.vals.ErrorReporting.InstallID = newID
		log.Info().Msgf("generated new install id: %s", newID)
	}

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Instance) DeviceIDs() (vid, pid string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Device.VID, c.vals.Device.PID
}

// PortOverride is a fixed port name that bypasses USB discovery.
func (c *Instance) PortOverride() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Device.Port
}

func (c *Instance) SetPortOverride(port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Device.Port = port
}

func (c *Instance) BaudRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Device.BaudRate
}

func (c *Instance) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ms(c.vals.Transfer.PollIntervalMS)
}

func (c *Instance) WriteTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ms(c.vals.Transfer.WriteTimeoutMS)
}

// TransferConfig converts the transfer section into engine settings.
func (c *Instance) TransferConfig() transfer.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.vals.Transfer
	return transfer.Config{
		TokenPoll:    ms(t.TokenPollMS),
		DownloadPoll: ms(t.DownloadPollMS),
		Timeouts: transfer.Timeouts{
			Ready:    secs(t.ReadyTimeoutSecs),
			Ack:      secs(t.AckTimeoutSecs),
			UploadOK: secs(t.UploadOKTimeoutSecs),
			Download: secs(t.DownloadTimeoutSecs),
			EndGrace: ms(t.EndMarkerGraceMS),
		},
	}
}

func (c *Instance) DownloadDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Downloads.Dir
}

func (c *Instance) SetDownloadDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Downloads.Dir = dir
}

func (c *Instance) OutboxEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Outbox.Enabled
}

func (c *Instance) SetOutboxEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Outbox.Enabled = enabled
}

func (c *Instance) OutboxDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Outbox.Dir
}

func (c *Instance) APIEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.API.Enabled
}

func (c *Instance) SetAPIEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.API.Enabled = enabled
}

func (c *Instance) APIListen() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.API.Listen
}

func (c *Instance) AllowedOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.vals.API.AllowedOrigins...)
}

func (c *Instance) ErrorReportingDSN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.ErrorReporting.DSN
}

func (c *Instance) InstallID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.ErrorReporting.InstallID
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
	applyLogLevel(enabled)
}

func applyLogLevel(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
